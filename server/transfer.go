package server

import (
	"errors"
	"fmt"
	"hash"
	"hash/crc32"
	"io"
	"os"
	"path"
	"sync"
	"time"

	"github.com/gonzalop/ftpd/internal/acl"
	"github.com/gonzalop/ftpd/internal/config"
	"github.com/gonzalop/ftpd/internal/ratelimit"
	"github.com/gonzalop/ftpd/internal/stats"
)

// transferBufferSize is the data-channel read/write chunk size.
const transferBufferSize = 16 * 1024

// xferOutcome drives the post-transfer state machine. Cleanup (slot
// release, partial-file delete, data-channel close with stats flush)
// runs in deterministic order on every outcome.
type xferOutcome int

const (
	xferCompleted xferOutcome = iota
	xferAbortedClient
	xferAbortedPolicy
	xferIOFailed
)

// errMinimumSpeed aborts a transfer whose sustained speed stayed under
// the configured floor past the grace window.
type errMinimumSpeed struct {
	speed float64 // bytes/sec observed
	limit int64   // bytes/sec floor
}

func (e errMinimumSpeed) Error() string {
	return fmt.Sprintf("transfer speed %s below minimum %s",
		stats.AutoUnitSpeedString(e.speed/1024),
		stats.AutoUnitSpeedString(float64(e.limit)/1024))
}

// speedGovernor keeps the running average under the per-user/section cap
// and enforces the minimum-speed floor.
type speedGovernor struct {
	limiter    *ratelimit.Limiter
	minSpeed   int64
	grace      time.Duration
	start      time.Time
	belowSince time.Time
}

// newSpeedGovernor combines the per-user cap with the section cap; the
// lower nonzero rate wins.
func newSpeedGovernor(userCap int64, section *config.Section, sectionUp bool, minSpeed int64, grace time.Duration) *speedGovernor {
	limit := userCap
	if section != nil {
		sc := section.MaxDownSpeed
		if sectionUp {
			sc = section.MaxUpSpeed
		}
		if sc > 0 && (limit == 0 || sc < limit) {
			limit = sc
		}
	}
	return &speedGovernor{
		limiter:  ratelimit.New(limit),
		minSpeed: minSpeed,
		grace:    grace,
		start:    time.Now(),
	}
}

// apply throttles after n transferred bytes (total so far) and raises
// errMinimumSpeed when the floor is violated past the grace window. The
// first two seconds are exempt so slow-start never trips the floor.
func (g *speedGovernor) apply(total int64, n int) error {
	g.limiter.Take(n)
	if g.minSpeed <= 0 {
		return nil
	}
	elapsed := time.Since(g.start)
	if elapsed < 2*time.Second {
		return nil
	}
	if stats.CalculateSpeed(total, elapsed) < float64(g.minSpeed) {
		if g.belowSince.IsZero() {
			g.belowSince = time.Now()
		} else if time.Since(g.belowSince) > g.grace {
			return errMinimumSpeed{speed: stats.CalculateSpeed(total, elapsed), limit: g.minSpeed}
		}
	} else {
		g.belowSince = time.Time{}
	}
	return nil
}

// crcCalc accumulates a CRC32 over uploaded bytes. The implementation is
// either synchronous or a worker-backed pipeline, selected by
// configuration.
type crcCalc interface {
	update(p []byte)
	hexSum() string
	close()
}

type syncCRC struct {
	h hash.Hash32
}

func newSyncCRC() *syncCRC { return &syncCRC{h: crc32.NewIEEE()} }

func (c *syncCRC) update(p []byte) { _, _ = c.h.Write(p) }
func (c *syncCRC) hexSum() string  { return fmt.Sprintf("%08X", c.h.Sum32()) }
func (c *syncCRC) close()          {}

// asyncCRC feeds chunk copies to a worker goroutine so hashing overlaps
// disk writes. close drains the pipeline; hexSum calls close first, so the
// sum covers every chunk passed to update.
type asyncCRC struct {
	h       hash.Hash32
	ch      chan []byte
	done    chan struct{}
	closing sync.Once
}

func newAsyncCRC() *asyncCRC {
	c := &asyncCRC{
		h:    crc32.NewIEEE(),
		ch:   make(chan []byte, 3),
		done: make(chan struct{}),
	}
	go func() {
		defer close(c.done)
		for p := range c.ch {
			_, _ = c.h.Write(p)
		}
	}()
	return c
}

func (c *asyncCRC) update(p []byte) {
	cp := make([]byte, len(p))
	copy(cp, p)
	c.ch <- cp
}

func (c *asyncCRC) hexSum() string {
	c.close()
	return fmt.Sprintf("%08X", c.h.Sum32())
}

func (c *asyncCRC) close() {
	c.closing.Do(func() {
		close(c.ch)
		<-c.done
	})
}

func newCRC(async bool) crcCalc {
	if async {
		return newAsyncCRC()
	}
	return newSyncCRC()
}

// dataTypeName renders the TYPE for transfer replies.
func (s *session) dataTypeName() string {
	if s.dataType == "A" {
		return "ASCII"
	}
	return "BINARY"
}

// dupeMessage emits the multi-line 553 reply for an upload target that
// already exists: XDUPE line, then the uploader and file age unless the
// hideowner capability applies to the path.
func (s *session) dupeMessage(vpath string) {
	cfg := s.server.cfg.Get()
	lines := []string{"X-DUPE: " + path.Base(vpath)}

	age := ""
	if fi, err := os.Stat(s.realPath(vpath)); err == nil {
		age = stats.FormatDuration(time.Since(fi.ModTime()))
	}

	hideOwner := acl.FileAllowed(s.user, vpath, cfg.Hideowner, s.server.groups)
	if !hideOwner {
		uploader := ""
		if s.server.owners != nil {
			if uid, ok := s.server.owners.Get(vpath); ok {
				uploader = s.server.users.UIDToName(acl.UserID(uid))
			}
		}
		if uploader == "" {
			uploader = "an unknown user"
		}
		lines = append(lines, fmt.Sprintf("File was uploaded by %s (%s ago).", uploader, age))
	} else {
		lines = append(lines, fmt.Sprintf("File already uploaded (%s ago).", age))
	}
	s.multiReply(codeBadFilename, lines...)
}

func (s *session) handleSTOR(arg string) bool { return s.storeFile(arg, false) }

func (s *session) handleAPPE(arg string) bool { return s.storeFile(arg, true) }

// storeFile is the upload engine shared by STOR and APPE. The ordering
// and reply codes follow the upload contract exactly; every reserved
// resource is released on every exit path, with the sink closed before
// the data channel.
func (s *session) storeFile(arg string, appe bool) bool {
	if arg == "" {
		s.reply(codeSyntaxError, "Syntax: STOR <path>.")
		return false
	}
	cfg := s.server.cfg.Get()
	vpath := s.vpath(arg)
	offset := s.restartOffset
	s.restartOffset = 0

	if err := acl.Filter(path.Base(vpath), cfg.PathFilter); err != nil {
		s.reply(codeBadFilename, "File name contains one or more invalid characters.")
		return false
	}

	if offset > 0 && s.dataType == "A" {
		s.reply(codeBadCommandSequence, "Resume not supported on ASCII data type.")
		return false
	}

	if !s.runPreHook(vpath) {
		return false
	}

	if snap, err := s.server.users.UserByID(s.user.ID); err == nil {
		s.user = snap
	}

	switch s.server.uploads.start(s.user.ID, s.user.MaxSimUp, s.user.CheckFlag(acl.FlagExempt)) {
	case counterPersonalFail:
		s.reply(codeActionNotOkay,
			fmt.Sprintf("You have reached your maximum of %d simultaneous upload(s).", s.user.MaxSimUp))
		return false
	case counterGlobalFail:
		s.reply(codeActionNotOkay, "The server has reached its maximum number of simultaneous uploads.")
		return false
	}
	defer s.server.uploads.stop(s.user.ID)

	if s.dataType == "A" && !cfg.AsciiUploadAllowed(vpath) {
		s.reply(codeActionFailed, "File can't be uploaded in ASCII, change to BINARY.")
		return false
	}

	realPath := s.realPath(vpath)
	var sink *os.File
	var err error
	resumed := offset > 0 || appe
	if appe {
		sink, err = os.OpenFile(realPath, os.O_WRONLY|os.O_CREATE|os.O_APPEND, 0o644)
	} else if offset > 0 {
		sink, err = os.OpenFile(realPath, os.O_WRONLY, 0o644)
		if err == nil {
			if _, serr := sink.Seek(offset, io.SeekStart); serr != nil {
				sink.Close()
				err = serr
			}
		}
	} else {
		sink, err = os.OpenFile(realPath, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0o644)
	}
	if err != nil {
		if !resumed && errors.Is(err, os.ErrExist) {
			s.dupeMessage(vpath)
			return false
		}
		verb := "create"
		if resumed {
			verb = "append"
		}
		s.reply(codeActionFailed, fmt.Sprintf("Unable to %s file.", verb))
		return false
	}

	// The partial file is removed on every failed exit unless the
	// transfer resumed an existing file.
	completed := false
	defer func() {
		if !completed && !resumed {
			if rerr := os.Remove(realPath); rerr != nil {
				s.server.logger.Error("failed to delete failed upload",
					"path", realPath, "error", rerr)
			}
		}
	}()

	msg := fmt.Sprintf("Opening %s connection for upload of %s", s.dataTypeName(), vpath)
	if s.prot == "P" {
		msg += " using TLS/SSL"
	}
	s.reply(codeTransferStatusOkay, msg+".")

	conn, err := s.openDataConn()
	if err != nil {
		sink.Close()
		s.reply(codeCantOpenDataConn, "Unable to open data connection.")
		return false
	}

	var bytes int64
	start := time.Now()
	// Data-channel close always flushes raw protocol byte accounting.
	defer func() {
		s.data.close()
		if s.server.stats != nil {
			_ = s.server.stats.ProtocolUpdate(int32(s.user.ID), 0, bytes)
		}
	}()

	if !s.protectionOkay() {
		sink.Close()
		s.reply(codeProtocolNotSupported, "TLS is enforced on data transfers.")
		return false
	}

	calcCRC := cfg.CalcCRCMatch(vpath)
	var crc crcCalc
	if calcCRC {
		crc = newCRC(cfg.AsyncCRC)
		defer crc.close()
	}

	governor := newSpeedGovernor(s.user.MaxUpSpeed, cfg.SectionMatch(vpath), true,
		cfg.MinUploadSpeed, time.Duration(cfg.MinSpeedGrace)*time.Second)

	var transcoder asciiUploadTranscoder
	buf := make([]byte, transferBufferSize)
	var sideBuf []byte
	outcome := xferCompleted

readLoop:
	for {
		if s.interrupted.Load() {
			outcome = xferAbortedClient
			break
		}
		n, rerr := conn.Read(buf)
		if n > 0 {
			chunk := buf[:n]
			if s.dataType == "A" {
				sideBuf = transcoder.transcode(chunk, sideBuf)
				chunk = sideBuf
			}
			bytes += int64(n)
			if len(chunk) > 0 {
				if _, werr := sink.Write(chunk); werr != nil {
					sink.Close()
					s.reply(codeDataCloseAborted, "Error while writing to disk.")
					return false
				}
				if calcCRC {
					crc.update(chunk)
				}
			}
			if gerr := governor.apply(bytes, n); gerr != nil {
				s.server.logger.Debug("aborted slow upload",
					"session_id", s.sessionID, "user", s.user.Name, "error", gerr)
				outcome = xferAbortedPolicy
				break readLoop
			}
		}
		if rerr != nil {
			if errors.Is(rerr, io.EOF) {
				break
			}
			if s.interrupted.Load() {
				outcome = xferAbortedClient
				break
			}
			sink.Close()
			s.reply(codeDataCloseAborted, "Error while reading from data connection.")
			return false
		}
	}

	if s.dataType == "A" {
		if tail := transcoder.flush(sideBuf); len(tail) > 0 {
			if _, werr := sink.Write(tail); werr != nil {
				sink.Close()
				s.reply(codeDataCloseAborted, "Error while writing to disk.")
				return false
			}
			if calcCRC {
				crc.update(tail)
			}
		}
	}

	// Sink closes before the data channel on every path.
	sink.Close()
	s.data.close()

	duration := time.Since(start)
	speedKBps := stats.CalculateSpeed(bytes, duration) / 1024

	if outcome == xferCompleted {
		if err := os.Chmod(realPath, 0o666); err != nil {
			s.partReply(codeDataClosedOkay, "Failed to chmod upload.")
		}
	}

	if outcome != xferCompleted {
		s.reply(codeDataClosedOkay, "Transfer aborted @ "+stats.AutoUnitSpeedString(speedKBps))
		return false
	}
	completed = true

	section := cfg.SectionMatch(vpath)
	crcHex := "000000"
	if calcCRC {
		crcHex = crc.hexSum()
	}

	sectionName := ""
	if section != nil {
		sectionName = section.Name
	}
	if s.runPostHook(vpath, crcHex, speedKBps, sectionName) {
		nostats := section == nil || acl.FileAllowed(s.user, vpath, cfg.Nostats, s.server.groups)
		statsSection := sectionName
		if nostats {
			statsSection = ""
		}
		kBytes := bytes / 1024
		if s.server.stats != nil {
			if err := s.server.stats.Upload(int32(s.user.ID), kBytes, duration.Milliseconds(), statsSection); err != nil {
				s.server.logger.Error("failed to record upload stats", "user", s.user.Name, "error", err)
			}
		}
		creditSection := ""
		if section != nil && section.SeparateCredits {
			creditSection = section.Name
		}
		earned := kBytes * int64(s.user.SectionRatio(sectionName))
		if earned > 0 {
			if err := s.server.users.IncrCredits(s.user.ID, creditSection, earned); err != nil {
				s.server.logger.Error("failed to credit upload", "user", s.user.Name, "error", err)
			}
		}
		if s.server.owners != nil {
			_ = s.server.owners.Set(vpath, int32(s.user.ID))
		}
	}

	s.logTransfer("STOR", vpath, bytes, duration)
	if s.server.metricsCollector != nil {
		s.server.metricsCollector.RecordTransfer("STOR", bytes, duration)
	}
	s.server.logger.Info("transfer_complete",
		"session_id", s.sessionID,
		"remote_ip", s.remoteIP,
		"user", s.user.Name,
		"operation", "STOR",
		"path", vpath,
		"bytes", bytes,
		"duration_ms", duration.Milliseconds(),
	)

	s.reply(codeDataClosedOkay, "Transfer finished @ "+stats.AutoUnitSpeedString(speedKBps))
	return true
}

// handleRETR is the download engine, symmetric to storeFile: slot via
// MaxSimDown, credit pre-check before the data channel opens, debit by
// ⌈kBytes/ratio⌉ after, leech (ratio 0) charged nothing.
func (s *session) handleRETR(arg string) bool {
	if arg == "" {
		s.reply(codeSyntaxError, "Syntax: RETR <path>.")
		return false
	}
	cfg := s.server.cfg.Get()
	vpath := s.vpath(arg)
	offset := s.restartOffset
	s.restartOffset = 0

	if offset > 0 && s.dataType == "A" {
		s.reply(codeBadCommandSequence, "Resume not supported on ASCII data type.")
		return false
	}

	// Credits and limits must reflect writes from this session's own
	// earlier transfers, not the login-time snapshot.
	if snap, err := s.server.users.UserByID(s.user.ID); err == nil {
		s.user = snap
	}

	switch s.server.downloads.start(s.user.ID, s.user.MaxSimDown, s.user.CheckFlag(acl.FlagExempt)) {
	case counterPersonalFail:
		s.reply(codeActionNotOkay,
			fmt.Sprintf("You have reached your maximum of %d simultaneous download(s).", s.user.MaxSimDown))
		return false
	case counterGlobalFail:
		s.reply(codeActionNotOkay, "The server has reached its maximum number of simultaneous downloads.")
		return false
	}
	defer s.server.downloads.stop(s.user.ID)

	realPath := s.realPath(vpath)
	fi, err := os.Stat(realPath)
	if err != nil || fi.IsDir() {
		s.replyFSError(err)
		return false
	}

	section := cfg.SectionMatch(vpath)
	sectionName := ""
	creditSection := ""
	if section != nil {
		sectionName = section.Name
		if section.SeparateCredits {
			creditSection = section.Name
		}
	}
	ratio := s.user.SectionRatio(sectionName)
	if ratio > 0 {
		needed := ceilDiv(fi.Size()-offset, 1024*int64(ratio))
		if s.user.SectionCredits(creditSection) < needed {
			s.reply(codeActionFailed, "Not enough credits.")
			return false
		}
	}

	src, err := os.Open(realPath)
	if err != nil {
		s.replyFSError(err)
		return false
	}
	defer src.Close()
	if offset > 0 {
		if _, err := src.Seek(offset, io.SeekStart); err != nil {
			s.replyFSError(err)
			return false
		}
	}

	msg := fmt.Sprintf("Opening %s connection for download of %s", s.dataTypeName(), vpath)
	if s.prot == "P" {
		msg += " using TLS/SSL"
	}
	s.reply(codeTransferStatusOkay, msg+".")

	conn, err := s.openDataConn()
	if err != nil {
		s.reply(codeCantOpenDataConn, "Unable to open data connection.")
		return false
	}

	var bytes int64
	start := time.Now()
	defer func() {
		s.data.close()
		if s.server.stats != nil {
			_ = s.server.stats.ProtocolUpdate(int32(s.user.ID), bytes, 0)
		}
	}()

	if !s.protectionOkay() {
		s.reply(codeProtocolNotSupported, "TLS is enforced on data transfers.")
		return false
	}

	governor := newSpeedGovernor(s.user.MaxDownSpeed, section, false,
		cfg.MinDownloadSpeed, time.Duration(cfg.MinSpeedGrace)*time.Second)

	var reader io.Reader = src
	if s.dataType == "A" {
		reader = newASCIIReader(src)
	}

	buf := make([]byte, transferBufferSize)
	outcome := xferCompleted
	for {
		if s.interrupted.Load() {
			outcome = xferAbortedClient
			break
		}
		n, rerr := reader.Read(buf)
		if n > 0 {
			if _, werr := conn.Write(buf[:n]); werr != nil {
				outcome = xferAbortedClient
				break
			}
			bytes += int64(n)
			if gerr := governor.apply(bytes, n); gerr != nil {
				s.server.logger.Debug("aborted slow download",
					"session_id", s.sessionID, "user", s.user.Name, "error", gerr)
				outcome = xferAbortedPolicy
				break
			}
		}
		if rerr != nil {
			if errors.Is(rerr, io.EOF) {
				break
			}
			outcome = xferIOFailed
			break
		}
	}

	s.data.close()
	duration := time.Since(start)
	speedKBps := stats.CalculateSpeed(bytes, duration) / 1024

	// Credits and stats cover the bytes actually sent, aborted or not.
	kBytes := bytes / 1024
	if s.server.stats != nil {
		if err := s.server.stats.Download(int32(s.user.ID), kBytes, duration.Milliseconds(), sectionName); err != nil {
			s.server.logger.Error("failed to record download stats", "user", s.user.Name, "error", err)
		}
	}
	if ratio > 0 && bytes > 0 {
		debit := ceilDiv(bytes, 1024*int64(ratio))
		ok, err := s.server.users.DecrCredits(s.user.ID, creditSection, debit, false)
		if err != nil {
			s.server.logger.Error("failed to debit download", "user", s.user.Name, "error", err)
		} else if !ok {
			// Balance moved under us; clamp to zero rather than go negative.
			if snap, serr := s.server.users.UserByID(s.user.ID); serr == nil {
				if bal := snap.SectionCredits(creditSection); bal > 0 {
					_, _ = s.server.users.DecrCredits(s.user.ID, creditSection, bal, false)
				}
			}
		}
	}

	switch outcome {
	case xferCompleted:
		s.logTransfer("RETR", vpath, bytes, duration)
		if s.server.metricsCollector != nil {
			s.server.metricsCollector.RecordTransfer("RETR", bytes, duration)
		}
		s.server.logger.Info("transfer_complete",
			"session_id", s.sessionID,
			"remote_ip", s.remoteIP,
			"user", s.user.Name,
			"operation", "RETR",
			"path", vpath,
			"bytes", bytes,
			"duration_ms", duration.Milliseconds(),
		)
		s.reply(codeDataClosedOkay, "Transfer finished @ "+stats.AutoUnitSpeedString(speedKBps))
		return true
	case xferIOFailed:
		s.reply(codeDataCloseAborted, "Error while reading from disk.")
		return false
	default:
		s.reply(codeDataCloseAborted, "Connection closed; transfer aborted @ "+stats.AutoUnitSpeedString(speedKBps))
		return false
	}
}

func ceilDiv(a, b int64) int64 {
	if b <= 0 {
		return 0
	}
	return (a + b - 1) / b
}
