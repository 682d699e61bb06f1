package catalog

import "fmt"

// The builtin tables describe the defects seeded into the default codebase
// under test. They are copied into a Catalog by Default and never mutated.

var bugCategories = map[string][]string{
	"L-Setup": {
		"L1-ConfigDefaults",
		"L2-FeatureFlagParsing",
	},
	"A-Concurrency": {
		"A1-LockOrderDeadlock",
		"A2-CounterRace",
		"A3-WorkerShutdown",
	},
	"B-Numerics": {
		"B1-OrbitalPeriodUnits",
		"B2-AnomalyConvergence",
		"B3-RiskScoreOverflow",
	},
	"C-Storage": {
		"C1-ChunkBoundary",
		"C2-ChecksumMismatch",
		"C3-StaleCacheRead",
	},
	"D-StateMachine": {
		"D1-PolicyTransition",
		"D2-RetryBackoff",
	},
	"E-Security": {
		"E1-PathTraversal",
		"E2-QueryInjection",
		"E3-TokenTimingCompare",
	},
}

var bugTestMapping = map[string][]string{
	"L1-ConfigDefaults":     {"test_config_defaults", "test_config_env_override"},
	"L2-FeatureFlagParsing": {"test_feature_flag_parsing"},
	"A1-LockOrderDeadlock":  {"test_no_deadlock_on_transfer", "test_lock_ordering_is_stable"},
	"A2-CounterRace":        {"test_concurrent_counter_increment"},
	"A3-WorkerShutdown":     {"test_worker_shutdown_drains_queue"},
	"B1-OrbitalPeriodUnits": {"test_orbital_period_seconds", "test_kepler_third_law"},
	"B2-AnomalyConvergence": {"test_eccentric_anomaly_converges"},
	"B3-RiskScoreOverflow":  {"test_risk_score_saturates", "test_risk_weighting_by_cargo_class"},
	"C1-ChunkBoundary":      {"test_chunk_boundary_split"},
	"C2-ChecksumMismatch":   {"test_checksum_roundtrip"},
	"C3-StaleCacheRead":     {"test_cache_invalidated_on_write"},
	"D1-PolicyTransition":   {"test_policy_draft_to_active", "test_policy_invalid_transition_rejected"},
	"D2-RetryBackoff":       {"test_retry_backoff_caps_delay"},
	"E1-PathTraversal":      {"test_storage_path_traversal_rejected"},
	"E2-QueryInjection":     {"test_query_injection_escaped"},
	"E3-TokenTimingCompare": {"test_token_compare_timing_safe"},
}

var bugDependencies = map[string][]string{
	"L2-FeatureFlagParsing": {"L1-ConfigDefaults"},
	"A1-LockOrderDeadlock":  {"L1-ConfigDefaults"},
	"A2-CounterRace":        {"L1-ConfigDefaults"},
	"A3-WorkerShutdown":     {"A1-LockOrderDeadlock"},
	"B2-AnomalyConvergence": {"B1-OrbitalPeriodUnits"},
	"C1-ChunkBoundary":      {"L1-ConfigDefaults"},
	"C2-ChecksumMismatch":   {"C1-ChunkBoundary"},
	"C3-StaleCacheRead":     {"C1-ChunkBoundary", "A2-CounterRace"},
	"D2-RetryBackoff":       {"D1-PolicyTransition"},
	"E1-PathTraversal":      {"C1-ChunkBoundary"},
}

var bugCorrelations = map[string][]string{
	"A1-LockOrderDeadlock": {"A3-WorkerShutdown"},
	"A2-CounterRace":       {"C3-StaleCacheRead"},
	"B3-RiskScoreOverflow": {"B1-OrbitalPeriodUnits"},
	"E1-PathTraversal":     {"E2-QueryInjection"},
}

// fileTestMap maps source path prefixes to the integration test suites that
// cover them.
var fileTestMap = map[string][]string{
	"Cargo.toml":              {"setup_tests"},
	"src/config/":             {"setup_tests"},
	"src/concurrency/":        {"concurrency_tests"},
	"src/orbital/":            {"orbital_tests"},
	"src/logistics/":          {"logistics_tests"},
	"src/services/":           {"services_tests"},
	"src/services/storage.rs": {"storage_tests", "security_tests"},
	"src/services/cache.rs":   {"storage_tests", "concurrency_tests"},
	"src/policy/":             {"policy_tests"},
	"src/security/":           {"security_tests"},
}

// Default returns the builtin catalog.
func Default() *Catalog {
	var bugs []BugRecord
	for category, ids := range bugCategories {
		for _, id := range ids {
			bugs = append(bugs, BugRecord{
				ID:           id,
				Category:     category,
				TestNames:    bugTestMapping[id],
				Dependencies: bugDependencies[id],
				Correlated:   bugCorrelations[id],
			})
		}
	}
	c, err := New(bugs, fileTestMap)
	if err != nil {
		panic(fmt.Sprintf("builtin catalog: %v", err))
	}
	return c
}
