package config

// Configuration keys. Flags share these names; environment variables use
// the PARADIGM_ prefix with dots replaced by underscores.
const (
	ConfigFileKey = "config"

	EngineMaxWorkerThreadsKey           = "engine.max_worker_threads"
	EngineEnableDependencyAnalysisKey   = "engine.enable_dependency_analysis"
	EngineEnableReadWriteAnalysisKey    = "engine.enable_read_write_analysis"
	EngineBatchSizeKey                  = "engine.batch_size"
	EngineQueueSizeKey                  = "engine.queue_size"
	EngineEnableSpeculativeExecutionKey = "engine.enable_speculative_execution"
	EngineRollbackOnConflictKey         = "engine.rollback_on_conflict"
	EngineStrictNonceKey                = "engine.strict_nonce"
	EngineAnalysisCacheSizeKey          = "engine.analysis_cache_size"
	EngineAnalysisCacheTTLKey           = "engine.analysis_cache_ttl"

	ServiceBatchSizeKey        = "service.batch_size"
	ServiceBatchTimeoutKey     = "service.batch_timeout"
	ServiceExecutionTimeoutKey = "service.execution_timeout"
	ServiceMaxPendingKey       = "service.max_pending"
	ServiceOutcomeBufferKey    = "service.outcome_buffer"

	StateBackendKey = "state.backend"
	StatePathKey    = "state.path"
	StateGenesisKey = "state.genesis"

	ArrowAddressKey     = "arrow.address"
	ArrowModeKey        = "arrow.mode"
	ArrowIdleTimeoutKey = "arrow.idle_timeout"
	ArrowAuthEnabledKey = "arrow.auth.enabled"
	ArrowAuthTokenKey   = "arrow.auth.token"

	GRPCEnabledKey      = "grpc.enabled"
	GRPCAddressKey      = "grpc.address"
	GRPCPollIntervalKey = "grpc.poll_interval"

	MetricsEnabledKey   = "metrics.enabled"
	MetricsAddressKey   = "metrics.address"
	MetricsNamespaceKey = "metrics.namespace"

	PublisherEnabledKey  = "publisher.enabled"
	PublisherEndpointKey = "publisher.endpoint"
	PublisherTopicKey    = "publisher.topic"

	LogLevelKey      = "log.level"
	LogJSONKey       = "log.json"
	LogDirKey        = "log.dir"
	LogDirLevelKey   = "log.dir_level"
	LogDirJSONKey    = "log.dir_json"
	LogFilePrefixKey = "log.file_prefix"
)
