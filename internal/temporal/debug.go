package temporal

import "github.com/banshee-data/fieldmap/internal/monitoring"

var logf, opsf = monitoring.Prefixed("temporal")
