package service

import "path/filepath"

const DefaultTopModelsLimit = 3

type Config struct {
	DataPath string
	// TopModelsLimit is used when TopModelsBySales is called without a limit.
	TopModelsLimit int
	// SyncWrites fsyncs the log after every registration. Changes that go
	// through the journal always sync their logs before committing.
	SyncWrites bool
}

func (c Config) topLimit() int {
	if c.TopModelsLimit > 0 {
		return c.TopModelsLimit
	}
	return DefaultTopModelsLimit
}

func (c Config) path(name string) string {
	return filepath.Join(c.DataPath, name)
}

// file names inside DataPath
const (
	modelsLog        = "models.txt"
	modelsIndex      = "models_index.txt"
	carsLog          = "cars.txt"
	carsIndex        = "cars_index.txt"
	salesLog         = "sales.txt"
	salesIndex       = "sales_index.txt"
	salesNumberIndex = "sales_number_index.txt"
	journalFile      = "index.journal"

	stagedSuffix = ".compact"
)
