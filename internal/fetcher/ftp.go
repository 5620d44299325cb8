package fetcher

import (
	"context"
	"io"
	"net"
	"net/url"
	"path"
	"time"

	"github.com/jlaffaye/ftp"
	"github.com/rotisserie/eris"
	"go.uber.org/zap"
)

// FTPOptions configures the FTP fetcher.
type FTPOptions struct {
	Timeout time.Duration
	// User and Password are used when a URL carries no credentials.
	User     string
	Password string
}

// FTPFetcher talks to FTP mirrors. Each Connect or Download opens its own
// control connection; sessions are not shared between goroutines.
type FTPFetcher struct {
	opts FTPOptions
}

// NewFTPFetcher creates an FTPFetcher, logging in anonymously by default.
func NewFTPFetcher(opts FTPOptions) *FTPFetcher {
	if opts.Timeout == 0 {
		opts.Timeout = 30 * time.Second
	}
	if opts.User == "" {
		opts.User = "anonymous"
	}
	if opts.Password == "" {
		opts.Password = "anonymous@"
	}
	return &FTPFetcher{opts: opts}
}

// parseFTPURL extracts host (with port), path and optional user from an FTP URL.
func parseFTPURL(rawURL string) (host, filePath, user string, err error) {
	u, err := url.Parse(rawURL)
	if err != nil {
		return "", "", "", eris.Wrap(err, "parse ftp url")
	}
	if u.Scheme != "ftp" {
		return "", "", "", eris.Errorf("expected ftp scheme, got %q", u.Scheme)
	}
	if u.Path == "" {
		return "", "", "", eris.New("empty path in ftp url")
	}
	if u.User != nil {
		user = u.User.Username()
	}
	return withPort(u.Host), u.Path, user, nil
}

func withPort(host string) string {
	if _, _, err := net.SplitHostPort(host); err != nil {
		return net.JoinHostPort(host, "21")
	}
	return host
}

// FTPSession is one logged-in control connection.
type FTPSession struct {
	conn *ftp.ServerConn
	host string
}

// Connect dials host (port 21 unless given) and logs in as user, or the
// configured user when empty.
func (f *FTPFetcher) Connect(ctx context.Context, host, user string) (*FTPSession, error) {
	host = withPort(host)
	if user == "" {
		user = f.opts.User
	}

	zap.L().Debug("ftp: connecting", zap.String("host", host), zap.String("user", user))

	conn, err := ftp.Dial(host, ftp.DialWithTimeout(f.opts.Timeout), ftp.DialWithContext(ctx))
	if err != nil {
		return nil, eris.Wrapf(err, "ftp dial %s", host)
	}
	if err := conn.Login(user, f.opts.Password); err != nil {
		conn.Quit() //nolint:errcheck
		return nil, eris.Wrapf(err, "ftp login %s", host)
	}
	return &FTPSession{conn: conn, host: host}, nil
}

// NameList returns the base names of the entries in dir.
func (s *FTPSession) NameList(dir string) ([]string, error) {
	entries, err := s.conn.NameList(dir)
	if err != nil {
		return nil, eris.Wrapf(err, "ftp nlst %s", dir)
	}
	names := make([]string, 0, len(entries))
	for _, e := range entries {
		if base := path.Base(e); base != "." && base != "/" {
			names = append(names, base)
		}
	}
	return names, nil
}

// ModTime asks the server for the modification time of file (MDTM).
func (s *FTPSession) ModTime(file string) (time.Time, error) {
	t, err := s.conn.GetTime(file)
	if err != nil {
		return time.Time{}, eris.Wrapf(err, "ftp mdtm %s", file)
	}
	return t.UTC(), nil
}

// Retrieve copies file to w and returns bytes written.
func (s *FTPSession) Retrieve(file string, w io.Writer) (int64, error) {
	resp, err := s.conn.Retr(file)
	if err != nil {
		return 0, eris.Wrapf(err, "ftp retrieve %s", file)
	}
	n, copyErr := io.Copy(w, resp)
	closeErr := resp.Close()
	if copyErr != nil {
		return n, eris.Wrapf(copyErr, "ftp read %s", file)
	}
	if closeErr != nil {
		return n, eris.Wrapf(closeErr, "ftp complete %s", file)
	}
	return n, nil
}

// Close ends the session.
func (s *FTPSession) Close() error {
	if err := s.conn.Quit(); err != nil {
		return eris.Wrap(err, "quit ftp connection")
	}
	return nil
}

// ftpConnReader closes the data response and the control connection together.
type ftpConnReader struct {
	resp *ftp.Response
	sess *FTPSession
}

func (r *ftpConnReader) Read(p []byte) (int, error) {
	return r.resp.Read(p)
}

func (r *ftpConnReader) Close() error {
	respErr := r.resp.Close()
	quitErr := r.sess.Close()
	if respErr != nil {
		return eris.Wrap(respErr, "close ftp response")
	}
	return quitErr
}

// Download retrieves ftpURL. Closing the reader releases the connection.
func (f *FTPFetcher) Download(ctx context.Context, ftpURL string) (io.ReadCloser, error) {
	host, filePath, user, err := parseFTPURL(ftpURL)
	if err != nil {
		return nil, err
	}
	sess, err := f.Connect(ctx, host, user)
	if err != nil {
		return nil, err
	}
	resp, err := sess.conn.Retr(filePath)
	if err != nil {
		sess.Close() //nolint:errcheck
		return nil, eris.Wrapf(err, "ftp retrieve %s", filePath)
	}
	return &ftpConnReader{resp: resp, sess: sess}, nil
}

// DownloadToFile retrieves ftpURL into path. Returns bytes written.
func (f *FTPFetcher) DownloadToFile(ctx context.Context, ftpURL string, path string) (int64, error) {
	rc, err := f.Download(ctx, ftpURL)
	if err != nil {
		return 0, err
	}
	defer rc.Close() //nolint:errcheck
	return copyToFile(rc, path)
}
