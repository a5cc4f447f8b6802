package fetch

import (
	"time"
)

// Config holds the configuration for a fetcher instance. The timeout classes
// come from observed failure behaviour in production logs and are deliberately
// configuration, not constants.
type Config struct {
	NavigationTimeout  time.Duration // budget for initial page navigation
	ElementWaitTimeout time.Duration // budget for dynamically-loaded content to appear
	ElementPollDelay   time.Duration // delay between element-wait polls
	UserAgent          string        // user agent string for requests
	RateLimit          int           // maximum requests per second across the instance
	MaxConcurrency     int           // maximum concurrent page visits
}

// DefaultConfig returns a Config instance with default values
func DefaultConfig() *Config {
	return &Config{
		NavigationTimeout:  10 * time.Second,
		ElementWaitTimeout: 20 * time.Second,
		ElementPollDelay:   2 * time.Second,
		UserAgent:          "Mozilla/5.0 (Windows NT 10.0; Win64; x64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/120.0 Safari/537.36",
		RateLimit:          2,
		MaxConcurrency:     10,
	}
}
