package store

// BackendConfig selects and configures the counter backend.
type BackendConfig struct {
	// RedisURL enables the shared backend when Production is also set.
	RedisURL string

	// Production marks a production-like deployment. Outside production the
	// in-process backend is used even when RedisURL is set, so local runs never
	// write into a shared Redis by accident.
	Production bool

	// Redis carries the remaining Redis settings. Its URL field is ignored in
	// favour of RedisURL.
	Redis RedisConfig

	// Memory configures the in-process backend.
	Memory []MemoryOption
}

// Shared reports whether cfg selects the Redis backend.
func (cfg BackendConfig) Shared() bool {
	return cfg.RedisURL != "" && cfg.Production
}

// Open returns the backend selected by cfg: a *Redis when Shared reports true,
// otherwise a started *Memory. The caller owns the returned store and must Close it.
func Open(cfg BackendConfig) (Store, error) {
	if !cfg.Shared() {
		m := NewMemory(cfg.Memory...)
		m.Start()
		return m, nil
	}

	redisCfg := cfg.Redis
	redisCfg.URL = cfg.RedisURL
	r, err := NewRedis(redisCfg)
	if err != nil {
		return nil, err
	}
	return r, nil
}
