// Package ftptest runs a minimal in-process FTP server for tests. It speaks
// enough of the protocol for login, passive transfers, NLST, MDTM and RETR.
package ftptest

import (
	"bufio"
	"fmt"
	"io"
	"net"
	"path"
	"sort"
	"strings"
	"sync"
	"testing"
	"time"
)

// File is one served file.
type File struct {
	Content string
	ModTime time.Time // zero makes MDTM fail with 550
}

// Server is a running test server.
type Server struct {
	listener net.Listener
	wg       sync.WaitGroup

	mu       sync.Mutex
	files    map[string]File
	commands []string
	failRetr map[string]int
}

// NewServer starts a server for files keyed by absolute path. It is closed
// when the test ends.
func NewServer(t testing.TB, files map[string]File) *Server {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("ftptest: listen: %v", err)
	}
	s := &Server{listener: ln, files: files, failRetr: make(map[string]int)}
	s.wg.Add(1)
	go s.serve()
	t.Cleanup(s.Close)
	return s
}

// Addr returns host:port.
func (s *Server) Addr() string {
	return s.listener.Addr().String()
}

// Put adds or replaces a file.
func (s *Server) Put(p string, f File) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.files[p] = f
}

// FailRetr makes the next n RETR commands for p answer 421.
func (s *Server) FailRetr(p string, n int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.failRetr[p] = n
}

// Commands returns every command verb received so far.
func (s *Server) Commands() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.commands...)
}

// Close stops the server and waits for open connections.
func (s *Server) Close() {
	s.listener.Close() //nolint:errcheck
	s.wg.Wait()
}

func (s *Server) serve() {
	defer s.wg.Done()
	for {
		conn, err := s.listener.Accept()
		if err != nil {
			return
		}
		s.wg.Add(1)
		go s.handle(conn)
	}
}

func (s *Server) lookup(p string) (File, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	f, ok := s.files[p]
	return f, ok
}

func (s *Server) list(dir string) []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	dir = strings.TrimSuffix(dir, "/")
	var out []string
	for p := range s.files {
		if path.Dir(p) == dir {
			out = append(out, p)
		}
	}
	sort.Strings(out)
	return out
}

func (s *Server) takeRetrFailure(p string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.failRetr[p] > 0 {
		s.failRetr[p]--
		return true
	}
	return false
}

func (s *Server) handle(conn net.Conn) {
	defer s.wg.Done()
	defer conn.Close() //nolint:errcheck
	conn.SetDeadline(time.Now().Add(10 * time.Second)) //nolint:errcheck

	r := bufio.NewReader(conn)
	w := bufio.NewWriter(conn)
	reply := func(format string, args ...any) {
		fmt.Fprintf(w, format+"\r\n", args...) //nolint:errcheck
		w.Flush()                              //nolint:errcheck
	}

	var data net.Listener
	openData := func() bool {
		var err error
		data, err = net.Listen("tcp", "127.0.0.1:0")
		return err == nil
	}
	transfer := func(write func(io.Writer)) {
		if data == nil {
			reply("425 Use PASV first")
			return
		}
		reply("150 Opening data connection")
		dc, err := data.Accept()
		data.Close() //nolint:errcheck
		data = nil
		if err != nil {
			reply("425 Can't open data connection")
			return
		}
		write(dc)
		dc.Close() //nolint:errcheck
		reply("226 Transfer complete")
	}
	dropData := func() {
		if data != nil {
			data.Close() //nolint:errcheck
			data = nil
		}
	}

	reply("220 ftptest ready")
	for {
		line, err := r.ReadString('\n')
		if err != nil {
			dropData()
			return
		}
		cmd, arg, _ := strings.Cut(strings.TrimSpace(line), " ")
		cmd = strings.ToUpper(cmd)

		s.mu.Lock()
		s.commands = append(s.commands, cmd)
		s.mu.Unlock()

		switch cmd {
		case "USER", "PASS":
			reply("230 User logged in")
		case "FEAT":
			reply("211-Features:\r\n MDTM\r\n UTF8\r\n211 End")
		case "OPTS", "TYPE":
			reply("200 OK")
		case "EPSV":
			if !openData() {
				reply("425 Can't open data connection")
				continue
			}
			reply("229 Entering Extended Passive Mode (|||%d|)", data.Addr().(*net.TCPAddr).Port)
		case "PASV":
			if !openData() {
				reply("425 Can't open data connection")
				continue
			}
			port := data.Addr().(*net.TCPAddr).Port
			reply("227 Entering Passive Mode (127,0,0,1,%d,%d)", port/256, port%256)
		case "NLST":
			entries := s.list(arg)
			if len(entries) == 0 {
				dropData()
				reply("550 No such directory")
				continue
			}
			transfer(func(dc io.Writer) {
				for _, e := range entries {
					fmt.Fprintf(dc, "%s\r\n", e) //nolint:errcheck
				}
			})
		case "MDTM":
			f, ok := s.lookup(arg)
			if !ok || f.ModTime.IsZero() {
				reply("550 Unavailable")
				continue
			}
			reply("213 %s", f.ModTime.UTC().Format("20060102150405"))
		case "RETR":
			if s.takeRetrFailure(arg) {
				dropData()
				reply("421 Service not available")
				continue
			}
			f, ok := s.lookup(arg)
			if !ok {
				dropData()
				reply("550 File not found")
				continue
			}
			transfer(func(dc io.Writer) {
				io.WriteString(dc, f.Content) //nolint:errcheck
			})
		case "QUIT":
			dropData()
			reply("221 Goodbye")
			return
		default:
			reply("502 Command not implemented")
		}
	}
}
