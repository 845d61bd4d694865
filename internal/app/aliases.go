package app

import "cronguard/internal/config"

type Config = config.Config

// SummarizeConfigChange produces a safe, structured summary of config diffs.
var SummarizeConfigChange = config.SummarizeConfigChange
