package remote

import (
	"net/http"
	"time"
)

// NewHTTPClient builds the client used for inference calls. The timeout
// covers model warm-up on the endpoint side, which can take minutes.
func NewHTTPClient(timeout time.Duration) *http.Client {
	transport := &http.Transport{
		Proxy:               http.ProxyFromEnvironment,
		MaxIdleConns:        10,
		MaxIdleConnsPerHost: 2,
		IdleConnTimeout:     90 * time.Second,

		TLSHandshakeTimeout:   10 * time.Second,
		ExpectContinueTimeout: 1 * time.Second,

		MaxResponseHeaderBytes: 64 << 10,
	}

	return &http.Client{
		Transport: transport,
		Timeout:   timeout,

		CheckRedirect: func(req *http.Request, via []*http.Request) error {
			// The bearer token is not forwarded to another host.
			if len(via) > 0 && req.URL.Host != via[0].URL.Host {
				return http.ErrUseLastResponse
			}
			if len(via) >= 3 {
				return http.ErrUseLastResponse
			}
			return nil
		},
	}
}
