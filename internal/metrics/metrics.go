// Package metrics holds the engine's Prometheus collectors.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	OlmSessionsCreatedTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "mxcrypt_olm_sessions_created_total",
		Help: "Olm sessions created, by direction",
	}, []string{"direction"})

	OlmDecryptFailedTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "mxcrypt_olm_decrypt_failed_total",
		Help: "Olm messages that failed to decrypt, by error code",
	}, []string{"code"})

	OneTimeKeysGeneratedTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "mxcrypt_one_time_keys_generated_total",
		Help: "One-time keys generated",
	})

	OneTimeKeysClaimedTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "mxcrypt_one_time_keys_claimed_total",
		Help: "One-time key claims, by result",
	}, []string{"result"})

	GroupSessionsRotatedTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "mxcrypt_group_sessions_rotated_total",
		Help: "Outbound group sessions replaced, by reason",
	}, []string{"reason"})

	GroupMessagesEncryptedTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "mxcrypt_group_messages_encrypted_total",
		Help: "Room events encrypted",
	})

	GroupDecryptFailedTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "mxcrypt_group_decrypt_failed_total",
		Help: "Room events that failed to decrypt, by error code",
	}, []string{"code"})

	RoomKeysSharedTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "mxcrypt_room_keys_shared_total",
		Help: "m.room_key events sent to devices",
	})

	SecurityEventsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "mxcrypt_security_events_total",
		Help: "Security-relevant anomalies (replays, bad signatures, identity changes)",
	}, []string{"kind"})

	VerificationsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "mxcrypt_verifications_total",
		Help: "Finished verification flows, by outcome",
	}, []string{"outcome"})

	BackupUploadedTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "mxcrypt_backup_sessions_uploaded_total",
		Help: "Inbound group sessions uploaded to the key backup",
	})

	BackupRestoreTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "mxcrypt_backup_restore_total",
		Help: "Backup records processed during restore, by result",
	}, []string{"result"})

	StoreTxnDurationSeconds = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "mxcrypt_store_txn_duration_seconds",
		Help:    "Duration of store transactions",
		Buckets: []float64{0.0005, 0.001, 0.005, 0.01, 0.05, 0.1, 0.5, 1},
	}, []string{"kind"})
)
