package bskyprofile

// Config is the bsky-profile-1 job config: a flat list of ATProto DIDs to
// fetch, row-chunked into Batches of BatchSize (spec.md §4.E partitioner
// selection: "row-chunked").
type Config struct {
	Endpoint   string   `yaml:"endpoint" json:"endpoint"`
	Credential string   `yaml:"credential" json:"credential"`
	DIDs       []string `yaml:"dids" json:"dids"`
	BatchSize  int      `yaml:"batch_size" json:"batch_size"`
	MaxRetries int      `yaml:"max_retries" json:"max_retries"`
}

// DefaultBatchSize is used when Config.BatchSize is unset (row-chunk size
// for the 400,000-user scale named in spec.md §1).
const DefaultBatchSize = 50

// DefaultMaxRetries is the "Unknown → retryable up to max_retries" bound
// from spec.md §4.D Classification of external errors.
const DefaultMaxRetries = 2

func (c Config) batchSize() int {
	if c.BatchSize <= 0 {
		return DefaultBatchSize
	}
	return c.BatchSize
}

func (c Config) maxRetries() int {
	if c.MaxRetries <= 0 {
		return DefaultMaxRetries
	}
	return c.MaxRetries
}
