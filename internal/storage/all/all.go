// Package all registers every storage backend with the driver registry.
// Commands import it for side effects so config alone picks the backend.
package all

import (
	_ "dwetl/internal/storage/mssql"
	_ "dwetl/internal/storage/postgres"
	_ "dwetl/internal/storage/sqlite"
)
