package stresstest

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func validConfig() *Config {
	return &Config{
		Name:     "valid",
		Endpoint: EndpointConfig{URL: "http://localhost:8080", MaxRetries: 3},
		Load:     LoadConfig{Stages: []Stage{{Duration: time.Minute, Target: 10}}},
	}
}

func TestConfig_Validate(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(c *Config)
		wantErr bool
	}{
		{"valid", func(c *Config) {}, false},
		{"missing name", func(c *Config) { c.Name = "" }, true},
		{"missing url", func(c *Config) { c.Endpoint.URL = "" }, true},
		{"bad scheme", func(c *Config) { c.Endpoint.URL = "ftp://host" }, true},
		{"bad status", func(c *Config) { c.Endpoint.ExpectedStatus = 42 }, true},
		{"negative retries", func(c *Config) { c.Endpoint.MaxRetries = -1 }, true},
		{"too many retries", func(c *Config) { c.Endpoint.MaxRetries = MaxRetriesLimit + 1 }, true},
		{"base above cap", func(c *Config) {
			c.Endpoint.BackoffBase = 5 * time.Second
			c.Endpoint.BackoffCap = time.Second
		}, true},
		{"think max below min", func(c *Config) {
			c.Endpoint.ThinkMin = 2 * time.Second
			c.Endpoint.ThinkMax = time.Second
		}, true},
		{"cert without key", func(c *Config) { c.Endpoint.TLS = &TLSConfig{CertFile: "c.pem"} }, true},
		{"oauth2 without token url", func(c *Config) { c.Endpoint.OAuth2 = &OAuth2Config{ClientID: "id"} }, true},
		{"no stages", func(c *Config) { c.Load.Stages = nil }, true},
		{"negative target", func(c *Config) { c.Load.Stages[0].Target = -1 }, true},
		{"target above max workers", func(c *Config) { c.Load.MaxWorkers = 5 }, true},
		{"max workers above limit", func(c *Config) {
			c.Load.MaxWorkers = MaxWorkersLimit + 1
		}, true},
		{"unordered buckets", func(c *Config) { c.Buckets = []time.Duration{time.Second, time.Millisecond} }, true},
		{"negative shards", func(c *Config) { c.Shards = -1 }, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c := validConfig()
			tt.mutate(c)
			err := c.Validate()
			if tt.wantErr {
				assert.Error(t, err)
			} else {
				assert.NoError(t, err)
			}
		})
	}
}

func TestConfig_Defaults(t *testing.T) {
	c := validConfig()

	assert.Equal(t, "GET", c.Endpoint.GetMethod())
	assert.Equal(t, DefaultExpectedStatus, c.Endpoint.GetExpectedStatus())
	assert.Equal(t, DefaultRequestTimeout, c.Endpoint.GetRequestTimeout())
	assert.Equal(t, DefaultBackendHeaders, c.Endpoint.GetBackendHeaders())
	assert.Equal(t, DefaultMaxWorkers, c.Load.GetMaxWorkers())
	assert.Equal(t, DefaultTickInterval, c.Load.GetTickInterval())
	assert.Equal(t, DefaultGracefulStop, c.Load.GetGracefulStop())
	assert.Equal(t, DefaultSampleInterval, c.Load.GetSampleInterval())
	assert.Equal(t, 7, c.GetBuckets().Len())
}

func TestLoadConfig_TotalsAndPeak(t *testing.T) {
	l := LoadConfig{
		StartTarget: 3,
		Stages: []Stage{
			{Duration: 30 * time.Second, Target: 50},
			{Duration: time.Minute, Target: 80},
			{Duration: 30 * time.Second, Target: 0},
		},
	}
	assert.Equal(t, 2*time.Minute, l.TotalDuration())
	assert.Equal(t, 80, l.PeakTarget())
}

func TestBuildStressTestHTTPClient(t *testing.T) {
	c := validConfig()
	client, err := buildStressTestHTTPClient(c)
	assert.NoError(t, err)
	assert.NotNil(t, client)

	c.Endpoint.TLS = &TLSConfig{CAFile: "/does/not/exist.pem"}
	_, err = buildStressTestHTTPClient(c)
	assert.Error(t, err)

	c.Endpoint.TLS = nil
	c.Endpoint.OAuth2 = &OAuth2Config{TokenURL: "http://localhost/token", ClientID: "id"}
	client, err = buildStressTestHTTPClient(c)
	assert.NoError(t, err)
	assert.NotNil(t, client)
}
