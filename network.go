package cacheworker

import (
	"crypto/tls"
	"io"
	"net/http"
	"net/url"

	cachekey "github.com/ericselin/cache-worker/pkg/cache-key"
	"github.com/rs/zerolog"
)

// ResponseType tells where a response came from, as far as caching is concerned.
type ResponseType string

const (
	// Same-origin response.
	TypeBasic ResponseType = "basic"
	// Cross-origin response the other origin allowed us to read.
	TypeCORS ResponseType = "cors"
	// Any other cross-origin response.
	TypeOpaque ResponseType = "opaque"
	// No response: the request failed.
	TypeError ResponseType = "error"
)

// Fetcher sends requests to the network.
type Fetcher interface {
	// Fetch sends the request and returns the response along with its type.
	// Relative request URLs are resolved against the origin.
	Fetch(r *http.Request) (*http.Response, ResponseType, error)
}

type NetworkConfig struct {
	// URL of the origin server.
	OriginURL url.URL
	// Hostname to use for HTTP requests and TLS negotiation.
	// Use if needed if e.g. the origin URL is just an IP address.
	OriginHost string
	// Transport to use. Defaults to http.DefaultTransport.
	Transport http.RoundTripper
	// Logger to use. The console logger is used if nil.
	Logger *zerolog.Logger
}

// Network is the way out to the origin (and any other server).
// It also serves as the handler for requests no worker controls.
type Network struct {
	origin     url.URL
	hostHeader string
	keyer      cachekey.Keyer
	client     http.Client
	log        zerolog.Logger
}

func NewNetwork(config NetworkConfig) *Network {
	var logger zerolog.Logger
	if config.Logger == nil {
		logger = zerolog.New(zerolog.NewConsoleWriter())
	} else {
		logger = *config.Logger
	}

	transport := config.Transport
	if transport == nil {
		transport = http.DefaultTransport
		if config.OriginHost != "" {
			transport = &http.Transport{
				Proxy: http.ProxyFromEnvironment,
				TLSClientConfig: &tls.Config{
					ServerName: config.OriginHost,
				},
			}
		}
	}

	origin := config.OriginURL
	return &Network{
		origin:     origin,
		hostHeader: config.OriginHost,
		keyer:      cachekey.NewKeyer(&origin),
		client: http.Client{
			Transport: transport,
			// do not follow redirects
			CheckRedirect: func(req *http.Request, via []*http.Request) error {
				return http.ErrUseLastResponse
			},
		},
		log: logger.With().Str("origin", origin.String()).Logger(),
	}
}

// Fetch implements Fetcher.
func (n *Network) Fetch(r *http.Request) (*http.Response, ResponseType, error) {
	target := n.keyer.URL(r)
	req, err := http.NewRequestWithContext(r.Context(), r.Method, target.String(), r.Body)
	if err != nil {
		return nil, TypeError, err
	}
	req.ContentLength = r.ContentLength
	copyHeader(req.Header, r.Header)

	sameOrigin := n.sameOrigin(target)
	if sameOrigin && n.hostHeader != "" {
		req.Host = n.hostHeader
	}

	n.log.Trace().Str("method", req.Method).Str("url", target.String()).Msg("Requesting from network")
	res, err := n.client.Do(req)
	if err != nil {
		return nil, TypeError, err
	}
	switch {
	case sameOrigin:
		return res, TypeBasic, nil
	case res.Header.Get("Access-Control-Allow-Origin") != "":
		return res, TypeCORS, nil
	}
	return res, TypeOpaque, nil
}

func (n *Network) sameOrigin(u *url.URL) bool {
	return u.Scheme == n.origin.Scheme && u.Host == n.origin.Host
}

// ServeHTTP implements the http.Handler interface.
// It just pipes the request through to the network and immediately responds to the client.
func (n *Network) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	res, _, err := n.Fetch(r)
	if err != nil {
		n.log.Error().Err(err).Str("url", r.URL.String()).Msg("Could not get response")
		http.Error(w, "Could not get response", http.StatusBadGateway)
		return
	}
	if err := send(w, res); err != nil {
		n.log.Error().Err(err).Msg("Could not write response body to client")
	}
}

func send(w http.ResponseWriter, r *http.Response) error {
	defer r.Body.Close()
	copyHeader(w.Header(), r.Header)
	w.WriteHeader(r.StatusCode)
	_, err := io.Copy(w, r.Body)
	return err
}

func copyHeader(dst, src http.Header) {
	for k, vv := range src {
		// this is a warkaround to remove default headers sent by an upstream proxy
		// some servers do not like the presence of these headers in the downstream request
		if k != "X-Forwarded-For" && k != "X-Forwarded-Proto" && k != "X-Forwarded-Host" {
			for _, v := range vv {
				dst.Add(k, v)
			}
		}
	}
}
