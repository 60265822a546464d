package metrics

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
)

// KeeperMetrics aggregates the collectors for the oracle and exit-queue
// accounting paths.
type KeeperMetrics struct {
	snapshotsAccepted prometheus.Counter
	snapshotsRejected *prometheus.CounterVec
	snapshotNonce     prometheus.Gauge
	vaultsHarvested   prometheus.Counter
	harvestFailures   *prometheus.CounterVec
	queueEntered      prometheus.Counter
	checkpointsPushed prometheus.Counter
	claimsSettled     prometheus.Counter
	partialClaims     prometheus.Counter
}

var (
	keeperOnce     sync.Once
	keeperRegistry *KeeperMetrics
)

// Keeper returns the process-wide keeper metrics, registering the
// collectors on first use.
func Keeper() *KeeperMetrics {
	keeperOnce.Do(func() {
		keeperRegistry = &KeeperMetrics{
			snapshotsAccepted: prometheus.NewCounter(prometheus.CounterOpts{
				Name: "keeper_snapshots_accepted_total",
				Help: "Count of rewards snapshots accepted by oracle consensus.",
			}),
			snapshotsRejected: prometheus.NewCounterVec(prometheus.CounterOpts{
				Name: "keeper_snapshots_rejected_total",
				Help: "Count of rejected snapshot submissions by reason.",
			}, []string{"reason"}),
			snapshotNonce: prometheus.NewGauge(prometheus.GaugeOpts{
				Name: "keeper_snapshot_nonce",
				Help: "Nonce of the most recently accepted rewards snapshot.",
			}),
			vaultsHarvested: prometheus.NewCounter(prometheus.CounterOpts{
				Name: "keeper_vault_harvests_total",
				Help: "Count of successful per-vault reward harvests.",
			}),
			harvestFailures: prometheus.NewCounterVec(prometheus.CounterOpts{
				Name: "keeper_harvest_failures_total",
				Help: "Count of failed harvest attempts by reason.",
			}, []string{"reason"}),
			queueEntered: prometheus.NewCounter(prometheus.CounterOpts{
				Name: "keeper_queue_entered_total",
				Help: "Count of withdrawal positions entering the exit queue.",
			}),
			checkpointsPushed: prometheus.NewCounter(prometheus.CounterOpts{
				Name: "keeper_checkpoints_pushed_total",
				Help: "Count of checkpoints appended to the exit-queue ledger.",
			}),
			claimsSettled: prometheus.NewCounter(prometheus.CounterOpts{
				Name: "keeper_claims_settled_total",
				Help: "Count of claims paid out from the exit queue.",
			}),
			partialClaims: prometheus.NewCounter(prometheus.CounterOpts{
				Name: "keeper_partial_claims_total",
				Help: "Count of claims that minted a successor position.",
			}),
		}
		prometheus.MustRegister(
			keeperRegistry.snapshotsAccepted,
			keeperRegistry.snapshotsRejected,
			keeperRegistry.snapshotNonce,
			keeperRegistry.vaultsHarvested,
			keeperRegistry.harvestFailures,
			keeperRegistry.queueEntered,
			keeperRegistry.checkpointsPushed,
			keeperRegistry.claimsSettled,
			keeperRegistry.partialClaims,
		)
	})
	return keeperRegistry
}

func (m *KeeperMetrics) ObserveSnapshotAccepted(nonce uint64) {
	if m == nil {
		return
	}
	m.snapshotsAccepted.Inc()
	m.snapshotNonce.Set(float64(nonce))
}

func (m *KeeperMetrics) ObserveSnapshotRejected(reason string) {
	if m == nil {
		return
	}
	if reason == "" {
		reason = "unknown"
	}
	m.snapshotsRejected.WithLabelValues(reason).Inc()
}

func (m *KeeperMetrics) IncVaultHarvested() {
	if m == nil {
		return
	}
	m.vaultsHarvested.Inc()
}

func (m *KeeperMetrics) ObserveHarvestFailure(reason string) {
	if m == nil {
		return
	}
	if reason == "" {
		reason = "unknown"
	}
	m.harvestFailures.WithLabelValues(reason).Inc()
}

func (m *KeeperMetrics) IncQueueEntered() {
	if m == nil {
		return
	}
	m.queueEntered.Inc()
}

func (m *KeeperMetrics) IncCheckpointPushed() {
	if m == nil {
		return
	}
	m.checkpointsPushed.Inc()
}

func (m *KeeperMetrics) IncClaimSettled() {
	if m == nil {
		return
	}
	m.claimsSettled.Inc()
}

func (m *KeeperMetrics) IncPartialClaim() {
	if m == nil {
		return
	}
	m.partialClaims.Inc()
}
