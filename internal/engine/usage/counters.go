// Package usage folds device traffic counters into durable per-config totals.
package usage

import "github.com/chiquitav2/vpn-provisioner/internal/shared/models"

// Delta is the traffic added by one observation.
type Delta struct {
	Rx    int64
	Tx    int64
	Reset bool
}

// ApplyCounters folds the device's current counters into acc. A counter
// lower than the last observation means the device reset it, and the
// current value is taken as the traffic since the reset. The reset flag,
// once set, stays set until renewal.
func ApplyCounters(acc models.Accounting, rx, tx int64) (models.Accounting, Delta) {
	rxDelta, rxReset := counterDelta(acc.LastRxCounter, rx)
	txDelta, txReset := counterDelta(acc.LastTxCounter, tx)
	d := Delta{Rx: rxDelta, Tx: txDelta, Reset: rxReset || txReset}

	acc.CumulativeRx += d.Rx
	acc.CumulativeTx += d.Tx
	acc.LastRxCounter = rx
	acc.LastTxCounter = tx
	if d.Reset {
		acc.CounterResetFlag = true
	}
	return acc, d
}

func counterDelta(last, current int64) (int64, bool) {
	if current < last {
		return current, true
	}
	return current - last, false
}
