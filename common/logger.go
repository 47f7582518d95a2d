package common

import (
	"github.com/matthiasblum/embl-ebi-hpc-co2/status"
)

// MT: Constant after initialization; thread-safe
var Log status.Logger = status.Default()
