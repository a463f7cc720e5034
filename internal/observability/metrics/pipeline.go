package metrics

import "time"

// GatewayFetch records the outcome of a gateway fetch.
func GatewayFetch(origin, result string) {
	if !enabled {
		return
	}
	gatewayFetchTotal.WithLabelValues(origin, result).Inc()
}

// GatewaySubscriptions sets the number of pending subscriptions for an origin.
func GatewaySubscriptions(origin string, n int) {
	if !enabled {
		return
	}
	gatewaySubscriptions.WithLabelValues(origin).Set(float64(n))
}

// BlockProcessed records a processed block and the new cursor.
func BlockProcessed(chain string, cursor uint64) {
	if !enabled {
		return
	}
	blocksProcessedTotal.WithLabelValues(chain).Inc()
	cursorBlock.WithLabelValues(chain).Set(float64(cursor))
}

// ContractDiscovered records a contract creation transaction.
func ContractDiscovered(chain string) {
	if !enabled {
		return
	}
	contractsDiscoveredTotal.WithLabelValues(chain).Inc()
}

// BytecodeRetry records a retry of an empty getCode result.
func BytecodeRetry(chain string) {
	if !enabled {
		return
	}
	bytecodeRetriesTotal.WithLabelValues(chain).Inc()
}

// PollInterval records the current block poll interval.
func PollInterval(chain string, d time.Duration) {
	if !enabled {
		return
	}
	blockPollInterval.WithLabelValues(chain).Set(d.Seconds())
}

// Assembly records a contract assembly outcome.
func Assembly(result string) {
	if !enabled {
		return
	}
	assemblyTotal.WithLabelValues(result).Inc()
}

// MatchStored records a stored match.
func MatchStored(chain, status string) {
	if !enabled {
		return
	}
	matchesTotal.WithLabelValues(chain, status).Inc()
}
