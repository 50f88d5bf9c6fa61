package ntfy

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"
)

type httpSignaler struct {
	endpoint *url.URL
	client   *http.Client
	stream   *http.Client
}

func newHTTPSignaler(endpoint string, client *http.Client) (*httpSignaler, error) {
	u, err := url.Parse(strings.TrimRight(endpoint, "/"))
	if err != nil {
		return nil, err
	}
	if u.Scheme == "" || u.Host == "" {
		return nil, fmt.Errorf("relay server must be an absolute url: %q", endpoint)
	}
	if client == nil {
		client = &http.Client{
			Timeout: 10 * time.Second,
		}
	}
	stream := &http.Client{Transport: client.Transport}
	return &httpSignaler{
		endpoint: u,
		client:   client,
		stream:   stream,
	}, nil
}

// topicURL returns {server}/{topic}{suffix} without credentials.
func (s *httpSignaler) topicURL(topic string, suffix string) string {
	u := *s.endpoint
	u.User = nil
	u.Path = strings.TrimRight(u.Path, "/") + "/" + url.PathEscape(topic) + suffix
	return u.String()
}

func (s *httpSignaler) newReq(ctx context.Context, method string, topic string, suffix string, body io.Reader) (req *http.Request, err error) {
	if req, err = http.NewRequestWithContext(ctx, method, s.topicURL(topic, suffix), body); err != nil {
		return
	}
	s.auth(req.Header)
	return
}

func (s *httpSignaler) auth(h http.Header) {
	u := s.endpoint.User
	if u == nil {
		return
	}
	pass, _ := u.Password()
	req := http.Request{Header: h}
	req.SetBasicAuth(u.Username(), pass)
}

func (s *httpSignaler) doReq(client *http.Client, req *http.Request) (res *http.Response, err error) {
	res, err = client.Do(req)
	if err != nil {
		return
	}
	if strings.HasPrefix(res.Status, "2") {
		return
	}
	defer res.Body.Close()
	var errText []byte
	if errText, err = io.ReadAll(io.LimitReader(res.Body, 4096)); err != nil {
		return
	}
	err = fmt.Errorf("relay err. status: %s. content: %s", res.Status, errText)
	return
}
