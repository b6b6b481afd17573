package config

type ApiConfig struct {
	Server struct {
		Host string `toml:"host" env:"BOLTCARD_SERVER_HOST" env-default:"0.0.0.0"`
		Port string `toml:"port" env:"BOLTCARD_SERVER_PORT" env-default:"8080"`
		// Domain is the public hostname baked into callback and
		// programming URLs, e.g. "card.example.com".
		Domain string `toml:"domain" env:"BOLTCARD_SERVER_DOMAIN"`
	} `toml:"server"`

	Database struct {
		Host            string `toml:"host" env:"BOLTCARD_DB_HOST"`
		Port            string `toml:"port" env:"BOLTCARD_DB_PORT" env-default:"5432"`
		User            string `toml:"user" env:"BOLTCARD_DB_USER"`
		Password        string `toml:"password" env:"BOLTCARD_DB_PASSWORD"`
		DB              string `toml:"db" env:"BOLTCARD_DB_NAME"`
		SslMode         string `toml:"ssl_mode" env:"BOLTCARD_DB_SSL_MODE" env-default:"disable"`
		MaxConns        int    `toml:"max_conns" env:"BOLTCARD_DB_MAX_CONNS" env-default:"25"`
		MinConns        int    `toml:"min_conns" env:"BOLTCARD_DB_MIN_CONNS" env-default:"5"`
		MaxConnLifetime int    `toml:"max_conn_lifetime" env:"BOLTCARD_DB_MAX_CONN_LIFETIME" env-default:"5"`
		MaxConnIdleTime int    `toml:"max_conn_idle_time" env:"BOLTCARD_DB_MAX_CONN_IDLE_TIME" env-default:"1"`
	} `toml:"database"`

	Redis struct {
		Host     string `toml:"host" env:"BOLTCARD_REDIS_HOST"`
		Port     string `toml:"port" env:"BOLTCARD_REDIS_PORT" env-default:"6379"`
		Password string `toml:"password" env:"BOLTCARD_REDIS_PASSWORD"`
		DB       int    `toml:"db" env:"BOLTCARD_REDIS_DB" env-default:"0"`
	} `toml:"redis"`

	Lightning struct {
		// Backend selects the payment backend: "lnd" or "mock". The mock
		// settles everything in-process and exists for local development.
		Backend string `toml:"backend" env:"BOLTCARD_LN_BACKEND" env-default:"lnd"`
		// Network the BOLT-11 invoices are validated against:
		// "mainnet", "testnet", "signet" or "regtest".
		Network string `toml:"network" env:"BOLTCARD_LN_NETWORK" env-default:"mainnet"`

		GRPCHost              string `toml:"grpc_host" env:"BOLTCARD_LND_GRPC_HOST"`
		GRPCPort              string `toml:"grpc_port" env:"BOLTCARD_LND_GRPC_PORT" env-default:"10009"`
		TLSCertPath           string `toml:"tls_cert_path" env:"BOLTCARD_LND_TLS_CERT_PATH"`
		MacaroonPath          string `toml:"macaroon_path" env:"BOLTCARD_LND_MACAROON_PATH"`
		PaymentTimeoutSeconds int    `toml:"payment_timeout_seconds" env:"BOLTCARD_LND_PAYMENT_TIMEOUT" env-default:"60"`
		MaxPaymentFeeSats     int64  `toml:"max_payment_fee_sats" env:"BOLTCARD_LND_MAX_FEE_SATS" env-default:"50"`
	} `toml:"lightning"`

	Limits struct {
		// Defaults applied when a card creation request leaves its limits
		// unset.
		DefaultTxLimitSats  int64 `toml:"default_tx_limit_sats" env:"BOLTCARD_DEFAULT_TX_LIMIT_SATS" env-default:"50000"`
		DefaultDayLimitSats int64 `toml:"default_day_limit_sats" env:"BOLTCARD_DEFAULT_DAY_LIMIT_SATS" env-default:"200000"`
	} `toml:"limits"`
}

type WorkerConfig struct {
	Database struct {
		Host            string `toml:"host" env:"BOLTCARD_DB_HOST"`
		Port            string `toml:"port" env:"BOLTCARD_DB_PORT" env-default:"5432"`
		User            string `toml:"user" env:"BOLTCARD_DB_USER"`
		Password        string `toml:"password" env:"BOLTCARD_DB_PASSWORD"`
		DB              string `toml:"db" env:"BOLTCARD_DB_NAME"`
		SslMode         string `toml:"ssl_mode" env:"BOLTCARD_DB_SSL_MODE" env-default:"disable"`
		MaxConns        int    `toml:"max_conns" env:"BOLTCARD_DB_MAX_CONNS" env-default:"5"`
		MinConns        int    `toml:"min_conns" env:"BOLTCARD_DB_MIN_CONNS" env-default:"1"`
		MaxConnLifetime int    `toml:"max_conn_lifetime" env:"BOLTCARD_DB_MAX_CONN_LIFETIME" env-default:"5"`
		MaxConnIdleTime int    `toml:"max_conn_idle_time" env:"BOLTCARD_DB_MAX_CONN_IDLE_TIME" env-default:"1"`
	} `toml:"database"`

	Redis struct {
		Host     string `toml:"host" env:"BOLTCARD_REDIS_HOST"`
		Port     string `toml:"port" env:"BOLTCARD_REDIS_PORT" env-default:"6379"`
		Password string `toml:"password" env:"BOLTCARD_REDIS_PASSWORD"`
		DB       int    `toml:"db" env:"BOLTCARD_REDIS_DB" env-default:"0"`
	} `toml:"redis"`

	Reconcile struct {
		// IntervalSeconds is how often stuck sessions are scanned for.
		IntervalSeconds int `toml:"interval_seconds" env:"BOLTCARD_RECONCILE_INTERVAL" env-default:"300"`
		// CutoffSeconds is how old an unsettled invoiced session must be
		// before it is flagged.
		CutoffSeconds int `toml:"cutoff_seconds" env:"BOLTCARD_RECONCILE_CUTOFF" env-default:"1800"`
	} `toml:"reconcile"`
}
