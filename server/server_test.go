package server

import (
	"bufio"
	"bytes"
	"crypto/sha256"
	"fmt"
	"net"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"testing"
	"time"

	"github.com/gonzalop/ftpd/internal/acl"
	"github.com/gonzalop/ftpd/internal/config"
	"github.com/gonzalop/ftpd/internal/store"
)

// testServer bundles a running server with its caches and site root.
type testServer struct {
	srv   *Server
	users *acl.UserCache
	addr  string
	root  string
}

func startTestServer(t *testing.T, mutate func(*config.Config)) *testServer {
	t.Helper()

	root := t.TempDir()
	cfg := config.Default()
	cfg.RootPath = root
	cfg.ListenIPs = []string{"127.0.0.1"}
	cfg.Port = 0
	if mutate != nil {
		mutate(cfg)
	}
	handle := config.NewHandle(cfg)

	db, err := store.Open(":memory:")
	if err != nil {
		t.Fatal(err)
	}

	users := acl.NewUserCache(store.NewProxy(db, "users"))
	if err := users.Initialize(); err != nil {
		t.Fatal(err)
	}
	groups := acl.NewGroupCache(store.NewProxy(db, "groups"))
	if err := groups.Initialize(); err != nil {
		t.Fatal(err)
	}

	srv, err := NewServer(handle, users, groups, store.NewStats(db), store.NewOwners(db))
	if err != nil {
		t.Fatal(err)
	}
	if err := srv.Listen(); err != nil {
		t.Fatal(err)
	}
	go srv.Serve()
	t.Cleanup(func() {
		srv.SetShutdown()
		srv.Join()
		db.Close()
	})

	// A regular account and a siteop for administrative commands.
	mustCreateUser(t, users, "alice", "alicepw", "")
	mustCreateUser(t, users, "root", "rootpw", "1")

	return &testServer{
		srv:   srv,
		users: users,
		addr:  srv.Addrs()[0].String(),
		root:  root,
	}
}

func mustCreateUser(t *testing.T, users *acl.UserCache, name, password, flags string) {
	t.Helper()
	if _, err := users.Create(name, password, flags, acl.NoUserID); err != nil {
		t.Fatal(err)
	}
	if _, err := users.AddIPMask(name, "*@*"); err != nil {
		t.Fatal(err)
	}
}

// testClient speaks the control protocol over a raw socket.
type testClient struct {
	t    *testing.T
	conn net.Conn
	r    *bufio.Reader
}

func dialFTP(t *testing.T, addr string) *testClient {
	t.Helper()
	conn, err := net.DialTimeout("tcp", addr, 5*time.Second)
	if err != nil {
		t.Fatal(err)
	}
	c := &testClient{t: t, conn: conn, r: bufio.NewReader(conn)}
	t.Cleanup(func() { conn.Close() })
	if code, line := c.readReply(); code != 220 {
		t.Fatalf("greeting: %d %s", code, line)
	}
	return c
}

// readReply consumes one (possibly multi-line) reply.
func (c *testClient) readReply() (int, string) {
	c.t.Helper()
	_ = c.conn.SetReadDeadline(time.Now().Add(10 * time.Second))
	var text strings.Builder
	first, err := c.r.ReadString('\n')
	if err != nil {
		c.t.Fatalf("read reply: %v", err)
	}
	text.WriteString(first)
	if len(first) < 4 {
		c.t.Fatalf("short reply %q", first)
	}
	code, err := strconv.Atoi(first[:3])
	if err != nil {
		c.t.Fatalf("bad reply %q", first)
	}
	if first[3] == '-' {
		terminator := first[:3] + " "
		for {
			line, err := c.r.ReadString('\n')
			if err != nil {
				c.t.Fatalf("read continuation: %v", err)
			}
			text.WriteString(line)
			if strings.HasPrefix(line, terminator) {
				break
			}
		}
	}
	return code, text.String()
}

func (c *testClient) cmd(format string, args ...any) (int, string) {
	c.t.Helper()
	fmt.Fprintf(c.conn, format+"\r\n", args...)
	return c.readReply()
}

func (c *testClient) mustCmd(wantCode int, format string, args ...any) string {
	c.t.Helper()
	code, text := c.cmd(format, args...)
	if code != wantCode {
		c.t.Fatalf("%s: got %d %q, want %d", fmt.Sprintf(format, args...), code, text, wantCode)
	}
	return text
}

func (c *testClient) login(user, pass string) {
	c.t.Helper()
	c.mustCmd(331, "USER %s", user)
	c.mustCmd(230, "PASS %s", pass)
}

// pasv arranges a passive data connection and dials it.
func (c *testClient) pasv() net.Conn {
	c.t.Helper()
	_, text := c.cmd("PASV")
	open := strings.Index(text, "(")
	closing := strings.Index(text, ")")
	if open < 0 || closing < open {
		c.t.Fatalf("bad PASV reply %q", text)
	}
	parts := strings.Split(text[open+1:closing], ",")
	if len(parts) != 6 {
		c.t.Fatalf("bad PASV host-port %q", text)
	}
	p1, _ := strconv.Atoi(parts[4])
	p2, _ := strconv.Atoi(parts[5])
	addr := net.JoinHostPort(strings.Join(parts[0:4], "."), strconv.Itoa(p1*256+p2))
	conn, err := net.DialTimeout("tcp", addr, 5*time.Second)
	if err != nil {
		c.t.Fatalf("dial data: %v", err)
	}
	return conn
}

func (c *testClient) upload(path string, data []byte) (int, string) {
	c.t.Helper()
	dataConn := c.pasv()
	code, text := c.cmd("STOR %s", path)
	if code != 150 {
		dataConn.Close()
		return code, text
	}
	if _, err := dataConn.Write(data); err != nil {
		c.t.Fatalf("write data: %v", err)
	}
	dataConn.Close()
	return c.readReply()
}

func (c *testClient) download(path string) (int, []byte) {
	c.t.Helper()
	dataConn := c.pasv()
	code, text := c.cmd("RETR %s", path)
	if code != 150 {
		dataConn.Close()
		return code, []byte(text)
	}
	var buf bytes.Buffer
	_ = dataConn.SetReadDeadline(time.Now().Add(10 * time.Second))
	_, _ = buf.ReadFrom(dataConn)
	dataConn.Close()
	code, _ = c.readReply()
	return code, buf.Bytes()
}

func TestLoginFlow(t *testing.T) {
	t.Parallel()
	ts := startTestServer(t, nil)

	c := dialFTP(t, ts.addr)
	c.mustCmd(331, "USER alice")
	code, _ := c.cmd("PASS wrongpw")
	if code != 530 {
		t.Fatalf("bad password: got %d, want 530", code)
	}
	// PASS without USER after a failure is out of sequence.
	code, _ = c.cmd("PASS alicepw")
	if code != 503 {
		t.Fatalf("PASS without USER: got %d, want 503", code)
	}
	c.login("alice", "alicepw")
	c.mustCmd(257, "PWD")
	c.mustCmd(221, "QUIT")
}

func TestLoginRequiresKnownUserAndMask(t *testing.T) {
	t.Parallel()
	ts := startTestServer(t, nil)

	c := dialFTP(t, ts.addr)
	c.mustCmd(331, "USER ghost")
	code, _ := c.cmd("PASS whatever")
	if code != 530 {
		t.Fatalf("unknown user: got %d, want 530", code)
	}

	// A user with no masks is refused even with the right password.
	if _, err := ts.users.Create("masked", "pw", "", acl.NoUserID); err != nil {
		t.Fatal(err)
	}
	c2 := dialFTP(t, ts.addr)
	c2.mustCmd(331, "USER masked")
	code, text := c2.cmd("PASS pw")
	if code != 530 || !strings.Contains(text, "address") {
		t.Fatalf("maskless login: got %d %q", code, text)
	}
}

func TestCommandsRequireLogin(t *testing.T) {
	t.Parallel()
	ts := startTestServer(t, nil)
	c := dialFTP(t, ts.addr)
	for _, verb := range []string{"PWD", "STOR x", "RETR x", "SITE USERS", "PASV"} {
		code, _ := c.cmd(verb)
		if code != 530 {
			t.Errorf("%s before login: got %d, want 530", verb, code)
		}
	}
	code, _ := c.cmd("NOSUCH")
	if code != 500 {
		t.Errorf("unknown verb: got %d, want 500", code)
	}
}

func TestStorRetrAndCredits(t *testing.T) {
	t.Parallel()
	ts := startTestServer(t, nil)

	c := dialFTP(t, ts.addr)
	c.login("alice", "alicepw")

	payload := bytes.Repeat([]byte("0123456789abcdef"), 640) // 10240 bytes
	code, text := c.upload("payload.bin", payload)
	if code != 226 {
		t.Fatalf("upload: got %d %q", code, text)
	}

	onDisk, err := os.ReadFile(filepath.Join(ts.root, "payload.bin"))
	if err != nil {
		t.Fatal(err)
	}
	if !bytes.Equal(onDisk, payload) {
		t.Fatal("stored bytes differ from sent bytes")
	}
	fi, err := os.Stat(filepath.Join(ts.root, "payload.bin"))
	if err != nil {
		t.Fatal(err)
	}
	if fi.Mode().Perm() != 0o666 {
		t.Errorf("completed upload mode = %o, want 0666", fi.Mode().Perm())
	}

	// Default ratio 3: 10 kB uploaded earns 30 kB of credits.
	u, _ := ts.users.User("alice")
	if got := u.SectionCredits(""); got != 30 {
		t.Errorf("credits after upload = %d, want 30", got)
	}

	code, body := c.download("payload.bin")
	if code != 226 {
		t.Fatalf("download: got %d", code)
	}
	if !bytes.Equal(body, payload) {
		t.Fatal("downloaded bytes differ")
	}
	// Debit is ceil(10/3) = 4.
	u, _ = ts.users.User("alice")
	if got := u.SectionCredits(""); got != 26 {
		t.Errorf("credits after download = %d, want 26", got)
	}
}

func TestStorDupeMessage(t *testing.T) {
	t.Parallel()
	ts := startTestServer(t, nil)

	c := dialFTP(t, ts.addr)
	c.login("alice", "alicepw")
	if code, _ := c.upload("dupe.bin", []byte("original")); code != 226 {
		t.Fatal("first upload failed")
	}

	c2 := dialFTP(t, ts.addr)
	c2.login("root", "rootpw")
	dataConn := c2.pasv()
	code, text := c2.cmd("STOR dupe.bin")
	dataConn.Close()
	if code != 553 {
		t.Fatalf("dupe: got %d %q, want 553", code, text)
	}
	if !strings.Contains(text, "X-DUPE: dupe.bin") {
		t.Errorf("dupe reply missing XDUPE line: %q", text)
	}
	if !strings.Contains(text, "alice") {
		t.Errorf("dupe reply should name the uploader: %q", text)
	}

	// The original file survives.
	if _, err := os.Stat(filepath.Join(ts.root, "dupe.bin")); err != nil {
		t.Error("dupe attempt must not clobber the file")
	}
}

func TestStorResume(t *testing.T) {
	t.Parallel()
	ts := startTestServer(t, nil)

	full := bytes.Repeat([]byte("resumable-data-"), 4096) // 61440 bytes
	const cut = 40000

	// A previous attempt left a partial file behind.
	if err := os.WriteFile(filepath.Join(ts.root, "resume.bin"), full[:cut], 0o644); err != nil {
		t.Fatal(err)
	}

	c := dialFTP(t, ts.addr)
	c.login("alice", "alicepw")
	c.mustCmd(350, "REST %d", cut)

	dataConn := c.pasv()
	code, text := c.cmd("STOR resume.bin")
	if code != 150 {
		t.Fatalf("resume STOR: got %d %q (no dupe message expected)", code, text)
	}
	if _, err := dataConn.Write(full[cut:]); err != nil {
		t.Fatal(err)
	}
	dataConn.Close()
	if code, _ := c.readReply(); code != 226 {
		t.Fatalf("resume completion: got %d", code)
	}

	onDisk, err := os.ReadFile(filepath.Join(ts.root, "resume.bin"))
	if err != nil {
		t.Fatal(err)
	}
	if sha256.Sum256(onDisk) != sha256.Sum256(full) {
		t.Fatal("resumed file differs from the original")
	}
}

func TestRestUnderASCIIRejected(t *testing.T) {
	t.Parallel()
	ts := startTestServer(t, nil)
	c := dialFTP(t, ts.addr)
	c.login("alice", "alicepw")
	c.mustCmd(200, "TYPE A")
	c.mustCmd(350, "REST 100")
	code, _ := c.cmd("STOR ascii-resume.txt")
	if code != 503 {
		t.Fatalf("REST under ASCII: got %d, want 503", code)
	}
}

func TestRetrInsufficientCredits(t *testing.T) {
	t.Parallel()
	ts := startTestServer(t, nil)

	if err := os.WriteFile(filepath.Join(ts.root, "big.bin"), bytes.Repeat([]byte{0}, 64*1024), 0o644); err != nil {
		t.Fatal(err)
	}

	c := dialFTP(t, ts.addr)
	c.login("alice", "alicepw") // ratio 3, zero credits
	code, body := c.download("big.bin")
	if code != 550 {
		t.Fatalf("download without credits: got %d %q, want 550", code, body)
	}
}

func TestLeechDownloadsFree(t *testing.T) {
	t.Parallel()
	ts := startTestServer(t, nil)

	if err := ts.users.SetRatio("alice", "", 0); err != nil {
		t.Fatal(err)
	}
	payload := bytes.Repeat([]byte{7}, 32*1024)
	if err := os.WriteFile(filepath.Join(ts.root, "free.bin"), payload, 0o644); err != nil {
		t.Fatal(err)
	}

	c := dialFTP(t, ts.addr)
	c.login("alice", "alicepw")
	code, body := c.download("free.bin")
	if code != 226 || !bytes.Equal(body, payload) {
		t.Fatalf("leech download: code %d, %d bytes", code, len(body))
	}
	u, _ := ts.users.User("alice")
	if u.SectionCredits("") != 0 {
		t.Errorf("leech download changed credits: %d", u.SectionCredits(""))
	}
}

func TestUploadSlotLimit(t *testing.T) {
	t.Parallel()
	ts := startTestServer(t, nil)
	if err := ts.users.SetMaxSimUp("alice", 0); err != nil {
		t.Fatal(err)
	}

	c := dialFTP(t, ts.addr)
	c.login("alice", "alicepw")
	dataConn := c.pasv()
	code, text := c.cmd("STOR blocked.bin")
	dataConn.Close()
	if code != 450 {
		t.Fatalf("slot-forbidden upload: got %d %q, want 450", code, text)
	}
	if _, err := os.Stat(filepath.Join(ts.root, "blocked.bin")); err == nil {
		t.Error("refused upload must not create a file")
	}
}

func TestSiteUserAdministration(t *testing.T) {
	t.Parallel()
	ts := startTestServer(t, nil)

	c := dialFTP(t, ts.addr)
	c.login("root", "rootpw")

	c.mustCmd(250, "SITE ADDUSER newbie newpass *@10.9.*")
	if !ts.users.Exists("newbie") {
		t.Fatal("ADDUSER did not create the account")
	}

	text := c.mustCmd(250, "SITE ADDIP newbie *@10.9.8.7")
	if !strings.Contains(text, "not added") {
		t.Errorf("mask covered by an existing one should be refused: %q", text)
	}
	text = c.mustCmd(250, "SITE ADDIP newbie *@172.16.0.0/16")
	if !strings.Contains(text, "added successfully") {
		t.Errorf("ADDIP: %q", text)
	}

	c.mustCmd(250, "SITE FLAGS newbie +A3")
	u, _ := ts.users.User("newbie")
	if !u.CheckFlags("A3") {
		t.Errorf("FLAGS: %q", u.Flags)
	}

	c.mustCmd(250, "SITE CHANGE newbie ratio 5")
	u, _ = ts.users.User("newbie")
	if u.SectionRatio("") != 5 {
		t.Errorf("CHANGE ratio: %d", u.SectionRatio(""))
	}

	c.mustCmd(250, "SITE GIVE newbie 100")
	c.mustCmd(250, "SITE TAKE newbie 30")
	u, _ = ts.users.User("newbie")
	if u.SectionCredits("") != 70 {
		t.Errorf("GIVE/TAKE: %d", u.SectionCredits(""))
	}

	text = c.mustCmd(250, "SITE USERS")
	if !strings.Contains(text, "newbie") || !strings.Contains(text, "alice") {
		t.Errorf("USERS: %q", text)
	}

	c.mustCmd(250, "SITE RENUSER newbie veteran")
	if ts.users.Exists("newbie") || !ts.users.Exists("veteran") {
		t.Error("RENUSER did not rename")
	}

	c.mustCmd(250, "SITE DELUSER veteran")
	if ts.users.Exists("veteran") {
		t.Error("DELUSER did not delete")
	}
	c.mustCmd(250, "SITE READD veteran")
	c.mustCmd(250, "SITE DELUSER veteran")
	c.mustCmd(250, "SITE PURGE veteran")
	if ts.users.ExistsUID(ts.users.NameToUID("veteran")) {
		t.Error("PURGE left the record behind")
	}
}

func TestSiteGroupAdministration(t *testing.T) {
	t.Parallel()
	ts := startTestServer(t, nil)

	c := dialFTP(t, ts.addr)
	c.login("root", "rootpw")

	c.mustCmd(250, "SITE GRPADD staff the operators")
	c.mustCmd(250, "SITE CHGRP alice staff")
	u, _ := ts.users.User("alice")
	if u.PrimaryGID == acl.NoGroupID {
		t.Fatal("first group should become primary")
	}

	c.mustCmd(250, "SITE GRPADD mirror")
	c.mustCmd(250, "SITE CHGRP alice mirror")
	text := c.mustCmd(250, "SITE SETPGRP alice mirror")
	if !strings.Contains(text, "changed from staff to mirror") {
		t.Errorf("SETPGRP reply: %q", text)
	}
	u, _ = ts.users.User("alice")
	if len(u.SecondaryGIDs) != 1 {
		t.Errorf("secondaries after SETPGRP: %v", u.SecondaryGIDs)
	}

	// Toggling membership off removes the primary and promotes staff.
	c.mustCmd(250, "SITE CHGRP alice mirror")
	u, _ = ts.users.User("alice")
	if u.PrimaryGID == acl.NoGroupID || len(u.SecondaryGIDs) != 0 {
		t.Errorf("membership after removal: primary=%d secondaries=%v", u.PrimaryGID, u.SecondaryGIDs)
	}

	c.mustCmd(250, "SITE GRPDEL mirror")
	c.mustCmd(250, "SITE GRPDEL staff")
	u, _ = ts.users.User("alice")
	if u.PrimaryGID != acl.NoGroupID || len(u.SecondaryGIDs) != 0 {
		t.Errorf("GRPDEL left memberships: %+v", u)
	}
}

func TestSitePermissionDenied(t *testing.T) {
	t.Parallel()
	ts := startTestServer(t, nil)

	c := dialFTP(t, ts.addr)
	c.login("alice", "alicepw") // no siteop flag
	code, _ := c.cmd("SITE USERS")
	if code != 550 {
		t.Fatalf("unprivileged SITE USERS: got %d, want 550", code)
	}
	code, _ = c.cmd("SITE KICK root")
	if code != 550 {
		t.Fatalf("unprivileged SITE KICK: got %d, want 550", code)
	}
}

func TestSiteKick(t *testing.T) {
	t.Parallel()
	ts := startTestServer(t, nil)

	victim1 := dialFTP(t, ts.addr)
	victim1.login("alice", "alicepw")
	victim2 := dialFTP(t, ts.addr)
	victim2.login("alice", "alicepw")

	admin := dialFTP(t, ts.addr)
	admin.login("root", "rootpw")
	text := admin.mustCmd(250, "SITE KICK alice")
	if !strings.Contains(text, "Kicked 2") {
		t.Errorf("kick reply: %q", text)
	}

	// The kicked sessions announce closure and go away.
	code, _ := victim1.readReply()
	if code != 221 {
		t.Errorf("kicked session reply: %d, want 221", code)
	}
}

func TestGhostLoginKick(t *testing.T) {
	t.Parallel()
	ts := startTestServer(t, nil)
	if err := ts.users.SetNumLogins("alice", 1); err != nil {
		t.Fatal(err)
	}

	first := dialFTP(t, ts.addr)
	first.login("alice", "alicepw")

	// A plain second login is over the cap.
	second := dialFTP(t, ts.addr)
	second.mustCmd(331, "USER alice")
	code, text := second.cmd("PASS alicepw")
	if code != 530 || !strings.Contains(text, "Maximum number of logins") {
		t.Fatalf("over-cap login: %d %q", code, text)
	}

	// The "user!" form kicks the ghost and takes its place.
	third := dialFTP(t, ts.addr)
	third.mustCmd(331, "USER alice!")
	third.mustCmd(230, "PASS alicepw")
}

func TestSiteShutdown(t *testing.T) {
	t.Parallel()
	ts := startTestServer(t, nil)
	c := dialFTP(t, ts.addr)
	c.login("root", "rootpw")
	c.mustCmd(250, "SITE SHUTDOWN")
	ts.srv.Join()
	if _, err := net.DialTimeout("tcp", ts.addr, 500*time.Millisecond); err == nil {
		t.Error("listener still accepting after SHUTDOWN")
	}
}

func TestSiteReload(t *testing.T) {
	t.Parallel()
	root := t.TempDir()
	cfgPath := filepath.Join(root, "ftpd.yaml")
	body := fmt.Sprintf("root_path: %s\nmax_uploads: 5\nsite_acl:\n  - keyword: \"*\"\n    allow: true\n    who: \"1\"\n", root)
	if err := os.WriteFile(cfgPath, []byte(body), 0o644); err != nil {
		t.Fatal(err)
	}

	ts := startTestServer(t, func(c *config.Config) {
		c.RootPath = root
	})
	ts.srv.configPath = cfgPath

	c := dialFTP(t, ts.addr)
	c.login("root", "rootpw")
	c.mustCmd(250, "SITE RELOAD")
}

func TestIdleTimeout(t *testing.T) {
	t.Parallel()
	ts := startTestServer(t, func(c *config.Config) {
		c.IdleTimeout = 1
	})
	c := dialFTP(t, ts.addr)
	c.login("alice", "alicepw")

	_ = c.conn.SetReadDeadline(time.Now().Add(5 * time.Second))
	line, err := c.r.ReadString('\n')
	if err != nil {
		t.Fatalf("expected an idle notice, got %v", err)
	}
	if !strings.HasPrefix(line, "421") {
		t.Errorf("idle reply = %q, want 421", line)
	}
}

func TestStatAndFeat(t *testing.T) {
	t.Parallel()
	ts := startTestServer(t, func(c *config.Config) {
		c.ServerName = "statftpd"
	})
	c := dialFTP(t, ts.addr)
	c.login("alice", "alicepw")

	text := c.mustCmd(211, "STAT")
	if !strings.Contains(text, "statftpd") {
		t.Errorf("STAT should carry the server name: %q", text)
	}
	c.mustCmd(211, "FEAT")
}

func TestListAndFileManagement(t *testing.T) {
	t.Parallel()
	ts := startTestServer(t, nil)
	c := dialFTP(t, ts.addr)
	c.login("alice", "alicepw")

	c.mustCmd(257, "MKD sub")
	c.mustCmd(250, "CWD sub")
	if _, text := c.cmd("PWD"); !strings.Contains(text, "/sub") {
		t.Errorf("PWD after CWD: %q", text)
	}
	c.mustCmd(250, "CDUP")

	if code, _ := c.upload("sub/file.txt", []byte("hello")); code != 226 {
		t.Fatal("upload into subdir failed")
	}

	dataConn := c.pasv()
	code, _ := c.cmd("NLST sub")
	if code != 150 {
		t.Fatalf("NLST: %d", code)
	}
	var listing bytes.Buffer
	_ = dataConn.SetReadDeadline(time.Now().Add(5 * time.Second))
	_, _ = listing.ReadFrom(dataConn)
	dataConn.Close()
	if code, _ := c.readReply(); code != 226 {
		t.Fatalf("NLST completion: %d", code)
	}
	if !strings.Contains(listing.String(), "file.txt") {
		t.Errorf("NLST output: %q", listing.String())
	}

	c.mustCmd(213, "SIZE sub/file.txt")
	c.mustCmd(213, "MDTM sub/file.txt")

	c.mustCmd(350, "RNFR sub/file.txt")
	c.mustCmd(250, "RNTO sub/renamed.txt")
	c.mustCmd(250, "DELE sub/renamed.txt")
	c.mustCmd(250, "RMD sub")
}

func TestASCIIUploadEndToEnd(t *testing.T) {
	t.Parallel()
	ts := startTestServer(t, nil)
	c := dialFTP(t, ts.addr)
	c.login("alice", "alicepw")
	c.mustCmd(200, "TYPE A")

	code, _ := c.upload("notes.txt", []byte("one\r\ntwo\r\nthree\r\n"))
	if code != 226 {
		t.Fatalf("ascii upload: %d", code)
	}
	onDisk, err := os.ReadFile(filepath.Join(ts.root, "notes.txt"))
	if err != nil {
		t.Fatal(err)
	}
	if string(onDisk) != "one\ntwo\nthree\n" {
		t.Errorf("ascii upload stored %q", onDisk)
	}

	// And back out with CRLF restored.
	code, body := c.download("notes.txt")
	if code != 226 {
		t.Fatalf("ascii download: %d", code)
	}
	if string(body) != "one\r\ntwo\r\nthree\r\n" {
		t.Errorf("ascii download produced %q", body)
	}
}

func TestPathFilterRejectsBadNames(t *testing.T) {
	t.Parallel()
	ts := startTestServer(t, func(c *config.Config) {
		c.PathFilter = "ABCDEFGHIJKLMNOPQRSTUVWXYZabcdefghijklmnopqrstuvwxyz0123456789._-"
	})
	c := dialFTP(t, ts.addr)
	c.login("alice", "alicepw")

	code, _ := c.cmd("STOR bad%%name.bin")
	if code != 553 {
		t.Fatalf("filtered name: got %d, want 553", code)
	}
}

func TestProtWithoutTLS(t *testing.T) {
	t.Parallel()
	ts := startTestServer(t, nil)
	c := dialFTP(t, ts.addr)
	c.login("alice", "alicepw")
	code, _ := c.cmd("PROT P")
	if code != 536 {
		t.Fatalf("PROT P without TLS: got %d, want 536", code)
	}
}
