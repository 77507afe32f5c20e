package postgresql

func migrations() map[int]string {
	return map[int]string{
		1: `
			CREATE TABLE run_state (
				key TEXT PRIMARY KEY,
				blob BYTEA NOT NULL,
				created_at TIMESTAMP WITH TIME ZONE NOT NULL DEFAULT NOW(),
				updated_at TIMESTAMP WITH TIME ZONE NOT NULL DEFAULT NOW()
			);
		`,
		2: `
			CREATE INDEX idx_run_state_key_prefix ON run_state (key text_pattern_ops);
		`,
	}
}
