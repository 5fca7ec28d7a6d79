package pkg

import (
	"github.com/rs/zerolog/log"

	"danet/pkg/io"
)

// maxLoggedDataErrors bounds the per-line errors logged for a data file.
const maxLoggedDataErrors = 20

func printDataErrors(errors []io.DataError) {
	for i, err := range errors {
		if i == maxLoggedDataErrors {
			log.Warn().Int("Skipped", len(errors)-i).Msg("Too many data errors")
			return
		}
		log.Warn().Int("Line", err.Line).Str("Error", err.Error).Msg("Skipping record")
	}
}
