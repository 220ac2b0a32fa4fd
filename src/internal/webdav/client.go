// Package webdav implements the WebDAV client side of blackbird: plain HTTP
// GET/PUT against a WebDAV server with basic auth, connection pooling and
// retries. It is a client only; serving WebDAV is out of scope.
package webdav

import (
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"path"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/go-resty/resty/v2"
	"github.com/pkg/errors"
	l "github.com/sirupsen/logrus"
	"golang.org/x/net/http2"

	"gitlab.com/kiberchaika/blackbird/src/internal/index"
	"gitlab.com/kiberchaika/blackbird/src/internal/locations"
	"gitlab.com/kiberchaika/blackbird/src/internal/schema"
)

var log *l.Entry = l.WithFields(l.Fields{"srv": "webdav"})

// remote paths of the dataset metadata files
var (
	remoteSchemaPath = locations.BlackbirdDir + "/schema.json"
	remoteIndexPath  = locations.BlackbirdDir + "/index.gob"
)

// retry policy for transient failures (connection errors and 5xx responses)
const (
	retryCount       = 3
	retryWaitTime    = 500 * time.Millisecond
	retryMaxWaitTime = 5 * time.Second
)

// after this many 404 responses further ones are no longer logged
const max404Logs = 5

// Options tune the HTTP connection behaviour of a client.
type Options struct {
	UseHTTP2 bool // attempt HTTP/2, fall back to HTTP/1.1 silently
	PoolSize int  // connection pool size, default 10
}

// Client talks to one WebDAV server. It is safe for concurrent use.
type Client struct {
	rawURL string // the webdav:// URL the client was created from
	base   string // http endpoint, e.g. http://host:8080
	root   string // encoded server-side root path, may be empty
	rst    *resty.Client

	mut      sync.Mutex
	count404 int
}

// Connect parses a URL of the form webdav://[user[:pass]@]host[:port][/root]
// and returns a client for it. Any other scheme is rejected. Credentials, if
// present, are sent as HTTP basic auth.
func Connect(rawURL string, opts Options) (*Client, error) {
	parsed, err := url.Parse(rawURL)
	if err != nil {
		return nil, errors.Wrapf(err, "invalid WebDAV URL '%s'", rawURL)
	}
	if parsed.Scheme != "webdav" {
		return nil, fmt.Errorf("URL '%s' must use the webdav:// scheme", rawURL)
	}
	if parsed.Host == "" {
		return nil, fmt.Errorf("URL '%s' has no host", rawURL)
	}

	if opts.PoolSize <= 0 {
		opts.PoolSize = 10
	}

	transport := &http.Transport{
		MaxIdleConns:        opts.PoolSize,
		MaxIdleConnsPerHost: opts.PoolSize,
		IdleConnTimeout:     90 * time.Second,
	}
	if opts.UseHTTP2 {
		if err := http2.ConfigureTransport(transport); err != nil {
			log.Debugf("HTTP/2 not available, falling back to HTTP/1.1: %v", err)
		}
	}

	me := &Client{
		rawURL: rawURL,
		base:   "http://" + parsed.Host,
		root:   EncodePath(strings.Trim(parsed.Path, "/")),
	}

	me.rst = resty.New().
		SetBaseURL(me.base).
		SetTransport(transport).
		SetRetryCount(retryCount).
		SetRetryWaitTime(retryWaitTime).
		SetRetryMaxWaitTime(retryMaxWaitTime).
		AddRetryCondition(func(r *resty.Response, err error) bool {
			return err != nil || r.StatusCode() >= http.StatusInternalServerError
		})

	if user := parsed.User; user != nil {
		pass, _ := user.Password()
		me.rst.SetBasicAuth(user.Username(), pass)
	}

	return me, nil
}

// URL returns the webdav:// URL the client was created from.
func (me *Client) URL() string { return me.rawURL }

// EncodePath URL-encodes a remote path segment by segment, preserving the
// '/' separators. Spaces, '#' and non-ASCII characters survive the round
// trip this way.
func EncodePath(remote string) string {
	if remote == "" {
		return ""
	}
	segments := strings.Split(remote, "/")
	for i, segment := range segments {
		segments[i] = url.PathEscape(segment)
	}
	return strings.Join(segments, "/")
}

// requestPath builds the server-side request path for a remote path that is
// relative to the dataset root.
func (me *Client) requestPath(remote string) string {
	encoded := EncodePath(strings.TrimPrefix(remote, "/"))
	if me.root == "" {
		return "/" + encoded
	}
	return "/" + me.root + "/" + encoded
}

// log404 logs a 404, collapsing repeated ones into a single message
func (me *Client) log404(remote string) {
	me.mut.Lock()
	defer me.mut.Unlock()
	me.count404++
	if me.count404 < max404Logs {
		log.Errorf("download failed with status 404: %s", remote)
	} else if me.count404 == max404Logs {
		log.Errorf("download failed with status 404: %s (suppressing further 404 messages)", remote)
	}
}

// DownloadFile streams the remote file (path relative to the dataset root)
// into localPath, creating parent directories on demand. A non-200 response
// or a short body is an error; a partially written file is removed.
func (me *Client) DownloadFile(remote, localPath string) error {
	if err := os.MkdirAll(filepath.Dir(localPath), 0o755); err != nil {
		return errors.Wrapf(err, "cannot create directory for '%s'", localPath)
	}

	resp, err := me.rst.R().SetDoNotParseResponse(true).Get(me.requestPath(remote))
	if err != nil {
		return errors.Wrapf(err, "cannot download '%s'", remote)
	}
	body := resp.RawBody()
	defer body.Close()

	if resp.StatusCode() != http.StatusOK {
		if resp.StatusCode() == http.StatusNotFound {
			me.log404(remote)
		} else {
			log.Errorf("download failed with status %d: %s", resp.StatusCode(), remote)
		}
		return fmt.Errorf("HTTP status %d for '%s'", resp.StatusCode(), remote)
	}

	f, err := os.Create(localPath)
	if err != nil {
		return errors.Wrapf(err, "cannot create local file '%s'", localPath)
	}
	if _, err := io.Copy(f, body); err != nil {
		f.Close()
		os.Remove(localPath)
		return errors.Wrapf(err, "cannot write '%s'", localPath)
	}
	if err := f.Close(); err != nil {
		os.Remove(localPath)
		return errors.Wrapf(err, "cannot close '%s'", localPath)
	}
	return nil
}

// UploadFile PUTs a local file to the remote path (relative to the dataset
// root).
func (me *Client) UploadFile(localPath, remote string) error {
	data, err := os.ReadFile(localPath)
	if err != nil {
		return errors.Wrapf(err, "cannot read local file '%s'", localPath)
	}

	resp, err := me.rst.R().SetBody(data).Put(me.requestPath(remote))
	if err != nil {
		return errors.Wrapf(err, "cannot upload '%s'", remote)
	}
	if resp.StatusCode() != http.StatusOK &&
		resp.StatusCode() != http.StatusCreated &&
		resp.StatusCode() != http.StatusNoContent {
		return fmt.Errorf("HTTP status %d uploading '%s'", resp.StatusCode(), remote)
	}
	return nil
}

// GetSchema fetches and decodes the remote component schema.
func (me *Client) GetSchema() (*schema.Schema, error) {
	resp, err := me.rst.R().Get(me.requestPath(remoteSchemaPath))
	if err != nil {
		return nil, errors.Wrap(err, "cannot fetch remote schema")
	}
	if resp.StatusCode() != http.StatusOK {
		return nil, fmt.Errorf("HTTP status %d fetching remote schema", resp.StatusCode())
	}
	return schema.Parse(resp.Body())
}

// GetIndex fetches and decodes the remote dataset index.
func (me *Client) GetIndex() (*index.Index, error) {
	resp, err := me.rst.R().Get(me.requestPath(remoteIndexPath))
	if err != nil {
		return nil, errors.Wrap(err, "cannot fetch remote index")
	}
	if resp.StatusCode() != http.StatusOK {
		return nil, fmt.Errorf("HTTP status %d fetching remote index", resp.StatusCode())
	}
	return index.LoadBytes(resp.Body())
}

// CheckConnection probes the server; it reports true when the server
// answers with anything below 500.
func (me *Client) CheckConnection() bool {
	resp, err := me.rst.R().Head(me.requestPath(""))
	if err != nil {
		return false
	}
	return resp.StatusCode() < http.StatusInternalServerError
}

// RemoteDir returns the remote directory of a remote file path.
func RemoteDir(remote string) string {
	dir := path.Dir(remote)
	if dir == "." {
		return ""
	}
	return dir
}

// BuildURL assembles a webdav:// URL from a possibly credential-less URL and
// explicit username/password. Explicit credentials win over embedded ones;
// http(s) schemes are rewritten to webdav.
func BuildURL(rawURL, username, password string) (string, error) {
	parsed, err := url.Parse(rawURL)
	if err != nil {
		return "", errors.Wrapf(err, "invalid URL '%s'", rawURL)
	}
	switch parsed.Scheme {
	case "webdav", "http", "https":
	default:
		return "", fmt.Errorf("URL '%s' must use the webdav://, http:// or https:// scheme", rawURL)
	}
	parsed.Scheme = "webdav"
	if username != "" {
		parsed.User = url.UserPassword(username, password)
	}
	return parsed.String(), nil
}
