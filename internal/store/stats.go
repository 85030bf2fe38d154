package store

import "fmt"

// Stat is one accumulated transfer counter.
type Stat struct {
	Files  int   `json:"files"`
	KBytes int64 `json:"kBytes"`
	Millis int64 `json:"millis"`
}

// Stats records per-user, per-section transfer accounting and raw
// protocol byte totals.
type Stats struct {
	db *DB
}

func NewStats(db *DB) *Stats { return &Stats{db: db} }

func statKey(dir string, uid int32, section string) string {
	return fmt.Sprintf("stats:%s:%d:%s", dir, uid, section)
}

func (s *Stats) bump(dir string, uid int32, section string, kBytes, xferMillis int64) error {
	return s.db.update(statKey(dir, uid, section), func(cur string) (string, error) {
		var st Stat
		if cur != "" {
			if err := json.UnmarshalFromString(cur, &st); err != nil {
				return "", err
			}
		}
		st.Files++
		st.KBytes += kBytes
		st.Millis += xferMillis
		return json.MarshalToString(st)
	})
}

// Upload records a completed upload of kBytes taking xferMillis under
// section ("" for unsectioned traffic).
func (s *Stats) Upload(uid int32, kBytes, xferMillis int64, section string) error {
	return s.bump("up", uid, section, kBytes, xferMillis)
}

// Download records a completed or partial download.
func (s *Stats) Download(uid int32, kBytes, xferMillis int64, section string) error {
	return s.bump("down", uid, section, kBytes, xferMillis)
}

// UserUpload returns the accumulated upload stat for one user and section.
func (s *Stats) UserUpload(uid int32, section string) (Stat, error) {
	return s.read(statKey("up", uid, section))
}

// UserDownload returns the accumulated download stat for one user and section.
func (s *Stats) UserDownload(uid int32, section string) (Stat, error) {
	return s.read(statKey("down", uid, section))
}

func (s *Stats) read(key string) (Stat, error) {
	var st Stat
	raw, err := s.db.get(key)
	if err == ErrNotFound {
		return st, nil
	}
	if err != nil {
		return st, err
	}
	err = json.UnmarshalFromString(raw, &st)
	return st, err
}

// ProtocolTotal is raw bytes moved over data connections, independent of
// section accounting.
type ProtocolTotal struct {
	SendBytes    int64 `json:"sendBytes"`
	ReceiveBytes int64 `json:"receiveBytes"`
}

// ProtocolUpdate adds raw byte counts for one user.
func (s *Stats) ProtocolUpdate(uid int32, sendBytes, receiveBytes int64) error {
	return s.db.update(fmt.Sprintf("stats:proto:%d", uid), func(cur string) (string, error) {
		var t ProtocolTotal
		if cur != "" {
			if err := json.UnmarshalFromString(cur, &t); err != nil {
				return "", err
			}
		}
		t.SendBytes += sendBytes
		t.ReceiveBytes += receiveBytes
		return json.MarshalToString(t)
	})
}

// Protocol returns the raw byte totals for one user.
func (s *Stats) Protocol(uid int32) (ProtocolTotal, error) {
	var t ProtocolTotal
	raw, err := s.db.get(fmt.Sprintf("stats:proto:%d", uid))
	if err == ErrNotFound {
		return t, nil
	}
	if err != nil {
		return t, err
	}
	err = json.UnmarshalFromString(raw, &t)
	return t, err
}
