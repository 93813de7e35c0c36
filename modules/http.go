// SPDX-License-Identifier: GPL-3.0-or-later

package modules

import (
	"bufio"
	"bytes"
	"fmt"
	"net/http"
	"net/url"
	"strconv"

	"github.com/15124585561/scannerl"
)

// Reason codes concluded by [*HTTP]. Successful exchanges conclude
// with the dynamic reason "http_<status code>".
const (
	// ReasonNoHTTPResponse means the request was sent but nothing came
	// back before the response timeout.
	ReasonNoHTTPResponse = "no_http_response"

	// ReasonMalformedHTTP means the target answered with bytes that do
	// not parse as an HTTP/1.x response. The received bytes are
	// attached as outcome data.
	ReasonMalformedHTTP = "http_malformed_response"
)

// defaultUserAgent mirrors what mainstream servers expect to see so the
// fingerprint is not skewed by bot-rejection heuristics.
const defaultUserAgent = "Mozilla/5.0 (compatible; scannerl)"

// HTTP fingerprints an HTTP/1.x server: it sends a GET request, reads
// until the server closes or goes idle, parses the response, and
// concludes with the status code as reason and the Server header as
// outcome data. Plain-http redirects are followed by reconnecting to
// the redirect target, up to MaxRedirects deep.
//
// HTTP is safe for use by concurrent probes.
type HTTP struct {
	// Host is the Host header value. When empty, the probe target is
	// used.
	Host string

	// Path is the request path. When empty, "/" is used.
	Path string

	// MaxRedirects bounds how many redirects are followed.
	// Non-positive disables following: redirects conclude like any
	// other response.
	MaxRedirects int

	// UserAgent is the User-Agent header value. When empty, a browser
	// lookalike is used.
	UserAgent string
}

var _ scannerl.Module = &HTTP{}

// httpState is the per-probe state carried across cycles and restarts.
type httpState struct {
	// sent reports whether the request for the current connection has
	// been issued.
	sent bool

	// redirects counts the redirects followed so far.
	redirects int

	// host is the Host header for the pending request after a
	// redirect, including the port when the redirect names one.
	host string

	// path is the request path for the pending request after a
	// redirect.
	path string
}

// Name implements [scannerl.Module].
func (m *HTTP) Name() string { return "http" }

// React implements [scannerl.Module].
func (m *HTTP) React(cycle *scannerl.Cycle) scannerl.Verdict {
	state, _ := cycle.State.(*httpState)
	if state == nil {
		state = &httpState{}
	}
	if !state.sent {
		state.sent = true
		return scannerl.Continue{
			ExpectPackets: scannerl.UnboundedPackets,
			Payload:       m.request(cycle, state),
			State:         state,
		}
	}
	if len(cycle.Received) == 0 {
		return scannerl.Conclude{Outcome: scannerl.Outcome{
			Status: scannerl.StatusUp,
			Reason: ReasonNoHTTPResponse,
		}}
	}
	resp, err := http.ReadResponse(bufio.NewReader(bytes.NewReader(cycle.Received)), nil)
	if err != nil {
		return scannerl.Conclude{Outcome: scannerl.Outcome{
			Status: scannerl.StatusUp,
			Reason: ReasonMalformedHTTP,
			Data:   cycle.Received,
		}}
	}
	resp.Body.Close()
	if verdict, ok := m.redirect(cycle, state, resp); ok {
		return verdict
	}
	return scannerl.Conclude{Outcome: scannerl.Outcome{
		Status: scannerl.StatusUp,
		Reason: "http_" + strconv.Itoa(resp.StatusCode),
		Data:   fingerprint(resp),
	}}
}

// request renders the pending GET request.
func (m *HTTP) request(cycle *scannerl.Cycle, state *httpState) []byte {
	host := state.host
	if host == "" {
		host = m.Host
	}
	if host == "" {
		host = cycle.Target
	}
	path := state.path
	if path == "" {
		path = m.Path
	}
	if path == "" {
		path = "/"
	}
	agent := m.UserAgent
	if agent == "" {
		agent = defaultUserAgent
	}
	var buf bytes.Buffer
	fmt.Fprintf(&buf, "GET %s HTTP/1.1\r\n", path)
	fmt.Fprintf(&buf, "Host: %s\r\n", host)
	fmt.Fprintf(&buf, "User-Agent: %s\r\n", agent)
	buf.WriteString("Accept: */*\r\n")
	buf.WriteString("Connection: close\r\n")
	buf.WriteString("\r\n")
	return buf.Bytes()
}

// redirect returns the restart verdict following resp when it is a
// followable redirect within budget, otherwise (nil, false). An https
// Location is never followable: this probe only speaks cleartext TCP.
func (m *HTTP) redirect(cycle *scannerl.Cycle, state *httpState, resp *http.Response) (scannerl.Verdict, bool) {
	if state.redirects >= m.MaxRedirects || !redirectStatus(resp.StatusCode) {
		return nil, false
	}
	location := resp.Header.Get("Location")
	if location == "" {
		return nil, false
	}
	u, err := url.Parse(location)
	if err != nil {
		return nil, false
	}
	if u.Host == "" {
		// Relative redirect: reconnect to the current coordinates
		// with the new path.
		state.redirects++
		state.sent = false
		state.path = u.RequestURI()
		return scannerl.Restart{
			Target: cycle.Target,
			Port:   cycle.Port,
			State:  state,
		}, true
	}
	if u.Scheme != "http" {
		return nil, false
	}
	port := uint16(80)
	if portString := u.Port(); portString != "" {
		value, err := strconv.ParseUint(portString, 10, 16)
		if err != nil {
			return nil, false
		}
		port = uint16(value)
	}
	state.redirects++
	state.sent = false
	state.host = u.Host
	state.path = u.RequestURI()
	return scannerl.Restart{
		Target: u.Hostname(),
		Port:   port,
		State:  state,
	}, true
}

// redirectStatus reports whether code redirects the client elsewhere.
func redirectStatus(code int) bool {
	switch code {
	case http.StatusMovedPermanently, http.StatusFound, http.StatusSeeOther,
		http.StatusTemporaryRedirect, http.StatusPermanentRedirect:
		return true
	default:
		return false
	}
}

// fingerprint extracts the outcome data from a parsed response.
func fingerprint(resp *http.Response) []byte {
	server := resp.Header.Get("Server")
	if server == "" {
		return nil
	}
	return []byte(server)
}
