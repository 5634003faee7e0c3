package service

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	checkoutsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "claviger_checkouts_total",
		Help: "Checkout requests by outcome (granted, denied, conflict).",
	}, []string{"outcome"})
	keysCheckedOutTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "claviger_keys_checked_out_total",
		Help: "Keys handed over across all granted checkouts.",
	})
	returnsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "claviger_returns_total",
		Help: "Keys returned.",
	})
	denialsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "claviger_denials_total",
		Help: "Denied access decisions by reason.",
	}, []string{"reason"})
	integrityFaultsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "claviger_integrity_faults_total",
		Help: "Custody ledger integrity violations observed on read.",
	})
	decisionLogErrorsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "claviger_decision_log_errors_total",
		Help: "Decision records that could not be written.",
	})
	policyCacheHitsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "claviger_policy_cache_hits_total",
		Help: "Policy lookups served from the cache.",
	})
	policyCacheMissesTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "claviger_policy_cache_misses_total",
		Help: "Policy lookups that went to the store.",
	})
)
