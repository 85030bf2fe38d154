package server

import (
	"bufio"
	"crypto/tls"
	"fmt"
	"net"
	"os"
	"strconv"
	"strings"
)

const codeAuthOkay = 234

// commandHandler binds a verb to its handler and login requirement.
// USER, PASS, QUIT and NOOP are handled specially in dispatch.
type commandHandler struct {
	fn         func(*session, string) bool
	needsLogin bool
}

var commandHandlers = map[string]commandHandler{
	// Transfer parameters
	"TYPE": {(*session).handleTYPE, true},
	"MODE": {(*session).handleMODE, true},
	"STRU": {(*session).handleSTRU, true},
	"REST": {(*session).handleREST, true},
	"PASV": {(*session).handlePASV, true},
	"EPSV": {(*session).handleEPSV, true},
	"PORT": {(*session).handlePORT, true},
	"EPRT": {(*session).handleEPRT, true},

	// Transfers
	"STOR": {(*session).handleSTOR, true},
	"RETR": {(*session).handleRETR, true},
	"APPE": {(*session).handleAPPE, true},
	"LIST": {(*session).handleLIST, true},
	"NLST": {(*session).handleNLST, true},
	"ABOR": {(*session).handleABOR, true},

	// Filesystem
	"PWD":  {(*session).handlePWD, true},
	"CWD":  {(*session).handleCWD, true},
	"CDUP": {(*session).handleCDUP, true},
	"MKD":  {(*session).handleMKD, true},
	"RMD":  {(*session).handleRMD, true},
	"DELE": {(*session).handleDELE, true},
	"RNFR": {(*session).handleRNFR, true},
	"RNTO": {(*session).handleRNTO, true},
	"SIZE": {(*session).handleSIZE, true},
	"MDTM": {(*session).handleMDTM, true},

	// Information
	"STAT": {(*session).handleSTAT, false},
	"FEAT": {(*session).handleFEAT, false},
	"OPTS": {(*session).handleOPTS, false},
	"SYST": {(*session).handleSYST, false},

	// Security
	"AUTH": {(*session).handleAUTH, false},
	"PBSZ": {(*session).handlePBSZ, false},
	"PROT": {(*session).handlePROT, false},
	"CCC":  {(*session).handleCCC, false},

	// Administration
	"SITE": {(*session).handleSITE, true},
}

func (s *session) handleTYPE(arg string) bool {
	switch strings.ToUpper(arg) {
	case "A", "A N":
		s.dataType = "A"
		s.reply(codeCommandOkayInfo, "Type set to A.")
		return true
	case "I", "L 8":
		s.dataType = "I"
		s.reply(codeCommandOkayInfo, "Type set to I.")
		return true
	default:
		s.reply(codeParameterNotSupported, "Type not supported.")
		return false
	}
}

func (s *session) handleMODE(arg string) bool {
	if strings.ToUpper(arg) == "S" {
		s.reply(codeCommandOkayInfo, "Mode set to S.")
		return true
	}
	s.reply(codeParameterNotSupported, "Only stream mode is supported.")
	return false
}

func (s *session) handleSTRU(arg string) bool {
	if strings.ToUpper(arg) == "F" {
		s.reply(codeCommandOkayInfo, "Structure set to F.")
		return true
	}
	s.reply(codeParameterNotSupported, "Only file structure is supported.")
	return false
}

func (s *session) handleREST(arg string) bool {
	offset, err := strconv.ParseInt(arg, 10, 64)
	if err != nil || offset < 0 {
		s.reply(codeSyntaxError, "Invalid offset.")
		return false
	}
	s.restartOffset = offset
	s.reply(codePendingFurtherInfo, fmt.Sprintf("Restarting at %d. Send STOR or RETR.", offset))
	return true
}

func (s *session) handlePASV(string) bool {
	ln, err := s.listenPassive()
	if err != nil {
		s.reply(codeCantOpenDataConn, "Can't open passive connection.")
		return false
	}
	s.data.setPassive(ln)

	_, portStr, _ := net.SplitHostPort(ln.Addr().String())
	port, _ := strconv.Atoi(portStr)
	ip := s.pasvHostIP()
	s.reply(codePassiveMode, fmt.Sprintf("Entering Passive Mode (%s,%s,%s,%s,%d,%d).",
		ip[0], ip[1], ip[2], ip[3], port/256, port%256))
	return true
}

func (s *session) handleEPSV(string) bool {
	ln, err := s.listenPassive()
	if err != nil {
		s.reply(codeCantOpenDataConn, "Can't open passive connection.")
		return false
	}
	s.data.setPassive(ln)

	_, portStr, _ := net.SplitHostPort(ln.Addr().String())
	s.reply(codeExtendedPassiveMode, fmt.Sprintf("Entering Extended Passive Mode (|||%s|)", portStr))
	return true
}

func (s *session) handlePORT(arg string) bool {
	parts := strings.Split(arg, ",")
	if len(parts) != 6 {
		s.reply(codeSyntaxError, "Syntax error in parameters.")
		return false
	}
	p1, err1 := strconv.Atoi(parts[4])
	p2, err2 := strconv.Atoi(parts[5])
	if err1 != nil || err2 != nil || p1 < 0 || p1 > 255 || p2 < 0 || p2 > 255 {
		s.reply(codeSyntaxError, "Invalid port number.")
		return false
	}
	ip := net.ParseIP(strings.Join(parts[0:4], "."))
	if ip == nil {
		s.reply(codeSyntaxError, "Invalid IP address.")
		return false
	}
	if !s.validateActiveIP(ip) {
		s.reply(codeCommandUnrecognised, "Illegal PORT command.")
		return false
	}
	s.data.setActive(ip.String(), p1*256+p2)
	s.reply(codeCommandOkayInfo, "PORT command successful.")
	return true
}

func (s *session) handleEPRT(arg string) bool {
	if len(arg) < 4 {
		s.reply(codeSyntaxError, "Syntax error in parameters.")
		return false
	}
	parts := strings.Split(arg, string(arg[0]))
	if len(parts) != 5 {
		s.reply(codeSyntaxError, "Syntax error in parameters.")
		return false
	}
	proto, ipStr, portStr := parts[1], parts[2], parts[3]
	ip := net.ParseIP(ipStr)
	if ip == nil {
		s.reply(codeSyntaxError, "Invalid network address.")
		return false
	}
	if proto != "1" && proto != "2" {
		s.reply(522, "Network protocol not supported, use (1,2).")
		return false
	}
	port, err := strconv.Atoi(portStr)
	if err != nil || port < 0 || port > 65535 {
		s.reply(codeSyntaxError, "Invalid port number.")
		return false
	}
	if !s.validateActiveIP(ip) {
		s.reply(codeCommandUnrecognised, "Illegal EPRT command.")
		return false
	}
	s.data.setActive(ip.String(), port)
	s.reply(codeCommandOkayInfo, "EPRT command successful.")
	return true
}

func (s *session) handleABOR(string) bool {
	// Commands are serial within a session; reaching here means no
	// transfer is running. Close any half-arranged data channel.
	s.data.close()
	s.reply(codeDataClosedOkay, "ABOR command successful; no transfer in progress.")
	return true
}

func (s *session) handlePWD(string) bool {
	s.reply(codePathCreated, fmt.Sprintf("%q is the current directory.", s.cwd))
	return true
}

func (s *session) handleCWD(arg string) bool {
	target := s.vpath(arg)
	fi, err := os.Stat(s.realPath(target))
	if err != nil || !fi.IsDir() {
		s.reply(codeActionFailed, "Directory not found.")
		return false
	}
	s.cwd = target
	s.reply(codeCommandOkay, "Directory changed to "+target+".")
	return true
}

func (s *session) handleCDUP(string) bool {
	return s.handleCWD("..")
}

func (s *session) handleMKD(arg string) bool {
	if arg == "" {
		s.reply(codeSyntaxError, "Syntax: MKD <dir>.")
		return false
	}
	target := s.vpath(arg)
	if err := os.Mkdir(s.realPath(target), 0o777); err != nil {
		s.replyFSError(err)
		return false
	}
	s.reply(codePathCreated, fmt.Sprintf("%q created.", target))
	return true
}

func (s *session) handleRMD(arg string) bool {
	if arg == "" {
		s.reply(codeSyntaxError, "Syntax: RMD <dir>.")
		return false
	}
	if err := os.Remove(s.realPath(s.vpath(arg))); err != nil {
		s.replyFSError(err)
		return false
	}
	s.reply(codeCommandOkay, "Directory removed.")
	return true
}

func (s *session) handleDELE(arg string) bool {
	if arg == "" {
		s.reply(codeSyntaxError, "Syntax: DELE <file>.")
		return false
	}
	target := s.vpath(arg)
	if err := os.Remove(s.realPath(target)); err != nil {
		s.replyFSError(err)
		return false
	}
	if s.server.owners != nil {
		_ = s.server.owners.Delete(target)
	}
	s.reply(codeCommandOkay, "File deleted.")
	return true
}

func (s *session) handleRNFR(arg string) bool {
	if arg == "" {
		s.reply(codeSyntaxError, "Syntax: RNFR <path>.")
		return false
	}
	target := s.vpath(arg)
	if _, err := os.Stat(s.realPath(target)); err != nil {
		s.replyFSError(err)
		return false
	}
	s.renameFrom = target
	s.reply(codePendingFurtherInfo, "Ready for RNTO.")
	return true
}

func (s *session) handleRNTO(arg string) bool {
	if s.renameFrom == "" {
		s.reply(codeBadCommandSequence, "Send RNFR first.")
		return false
	}
	if arg == "" {
		s.reply(codeSyntaxError, "Syntax: RNTO <path>.")
		return false
	}
	from := s.renameFrom
	s.renameFrom = ""
	to := s.vpath(arg)
	if err := os.Rename(s.realPath(from), s.realPath(to)); err != nil {
		s.replyFSError(err)
		return false
	}
	if s.server.owners != nil {
		_ = s.server.owners.Rename(from, to)
	}
	s.reply(codeCommandOkay, "Rename successful.")
	return true
}

func (s *session) handleSIZE(arg string) bool {
	fi, err := os.Stat(s.realPath(s.vpath(arg)))
	if err != nil || fi.IsDir() {
		s.reply(codeActionFailed, "Could not get file size.")
		return false
	}
	s.reply(213, strconv.FormatInt(fi.Size(), 10))
	return true
}

func (s *session) handleMDTM(arg string) bool {
	fi, err := os.Stat(s.realPath(s.vpath(arg)))
	if err != nil {
		s.reply(codeActionFailed, "Could not get modification time.")
		return false
	}
	s.reply(213, fi.ModTime().UTC().Format("20060102150405"))
	return true
}

func (s *session) handleSTAT(arg string) bool {
	if arg == "" {
		c := s.server.cfg.Get()
		count := newOnlineCountTask()
		s.server.pushTask(count)
		oc := <-count.result
		s.multiReply(codeSystemStatus,
			c.ServerName+" status:",
			fmt.Sprintf("Connected sessions: %d (%d logged in)", oc.all, oc.loggedIn),
			"End of status.")
		return true
	}

	target := s.vpath(arg)
	infos, err := readDirSorted(s.realPath(target))
	if err != nil {
		s.replyFSError(err)
		return false
	}
	lines := make([]string, 0, len(infos)+2)
	lines = append(lines, "Status of "+target+":")
	for _, fi := range infos {
		lines = append(lines, listLine(fi))
	}
	lines = append(lines, "End of status.")
	s.multiReply(codeDirectoryStatus, lines...)
	return true
}

func (s *session) handleFEAT(string) bool {
	feats := []string{"Features:", " SIZE", " MDTM", " REST STREAM", " UTF8", " EPSV", " EPRT"}
	if s.server.tlsConfig != nil {
		feats = append(feats, " AUTH TLS", " PBSZ", " PROT")
	}
	feats = append(feats, "End.")
	s.multiReply(codeSystemStatus, feats...)
	return true
}

func (s *session) handleOPTS(arg string) bool {
	if strings.EqualFold(arg, "UTF8 ON") {
		s.reply(codeCommandOkayInfo, "UTF8 mode enabled.")
		return true
	}
	s.reply(codeSyntaxError, "Option not understood.")
	return false
}

func (s *session) handleSYST(string) bool {
	s.reply(215, "UNIX Type: L8")
	return true
}

func (s *session) handleAUTH(arg string) bool {
	if !strings.EqualFold(arg, "TLS") && !strings.EqualFold(arg, "SSL") {
		s.reply(codeParameterNotSupported, "Only AUTH TLS is supported.")
		return false
	}
	if s.server.tlsConfig == nil {
		s.reply(codeNotImplemented, "TLS is not configured.")
		return false
	}
	s.mu.Lock()
	if _, already := s.conn.(*tls.Conn); already {
		s.mu.Unlock()
		s.reply(codeBadCommandSequence, "Already using TLS.")
		return false
	}
	s.mu.Unlock()

	s.reply(codeAuthOkay, "AUTH TLS successful.")

	s.mu.Lock()
	defer s.mu.Unlock()
	tlsConn := tls.Server(s.conn, s.server.tlsConfig)
	if err := tlsConn.Handshake(); err != nil {
		s.server.logger.Warn("tls handshake failed",
			"session_id", s.sessionID, "remote_ip", s.remoteIP, "error", err)
		s.setPhase(phaseFinished)
		return false
	}
	s.conn = tlsConn
	s.reader = bufio.NewReader(newTelnetReader(tlsConn))
	s.writer = bufio.NewWriter(tlsConn)
	return true
}

func (s *session) handlePBSZ(string) bool {
	// RFC 4217: the only valid buffer size over TLS is 0.
	s.reply(codeCommandOkayInfo, "PBSZ=0")
	return true
}

func (s *session) handlePROT(arg string) bool {
	switch strings.ToUpper(arg) {
	case "C":
		s.prot = "C"
		s.reply(codeCommandOkayInfo, "Protection set to Clear.")
		return true
	case "P":
		if s.server.tlsConfig == nil {
			s.reply(codeProtocolNotSupported, "TLS is not configured.")
			return false
		}
		s.prot = "P"
		s.reply(codeCommandOkayInfo, "Protection set to Private.")
		return true
	default:
		s.reply(codeProtocolNotSupported, "Protection level not supported.")
		return false
	}
}

func (s *session) handleCCC(string) bool {
	s.mu.Lock()
	_, isTLS := s.conn.(*tls.Conn)
	s.mu.Unlock()
	if !isTLS {
		s.reply(codeBadCommandSequence, "Control channel is not protected.")
		return false
	}
	// Dropping back to a cleartext control channel after a TLS session is
	// not supported; keep the channel protected.
	s.reply(534, "CCC not supported; control channel stays protected.")
	return false
}

func (s *session) handleLIST(arg string) bool {
	return s.sendListing(arg, true)
}

func (s *session) handleNLST(arg string) bool {
	return s.sendListing(arg, false)
}

func (s *session) sendListing(arg string, long bool) bool {
	// Ignore ls-style option flags.
	arg = strings.TrimSpace(strings.TrimLeft(arg, "-lahR "))
	target := s.vpath(arg)
	infos, err := readDirSorted(s.realPath(target))
	if err != nil {
		s.replyFSError(err)
		return false
	}

	conn, err := s.openDataConn()
	if err != nil {
		s.reply(codeCantOpenDataConn, "Can't open data connection.")
		return false
	}
	defer s.data.close()

	s.reply(codeTransferStatusOkay, "Opening data connection for directory listing.")

	w := bufio.NewWriter(conn)
	for _, fi := range infos {
		if long {
			fmt.Fprintf(w, "%s\r\n", listLine(fi))
		} else {
			fmt.Fprintf(w, "%s\r\n", fi.Name())
		}
	}
	if err := w.Flush(); err != nil {
		s.reply(codeDataCloseAborted, "Connection closed; transfer aborted.")
		return false
	}
	s.data.close()
	s.reply(codeDataClosedOkay, "Directory listing complete.")
	return true
}

// replyFSError maps filesystem errors onto reply codes.
func (s *session) replyFSError(err error) {
	switch {
	case os.IsNotExist(err):
		s.reply(codeActionFailed, "File or directory not found.")
	case os.IsPermission(err):
		s.reply(codeActionFailed, "Permission denied.")
	case os.IsExist(err):
		s.reply(codeActionFailed, "Already exists.")
	default:
		s.reply(codeActionFailed, "Action failed.")
	}
}
