package store

// Owners tracks which user uploaded each file, keyed by virtual path.
// The dupe message on STOR names the original uploader from here.
type Owners struct {
	db *DB
}

func NewOwners(db *DB) *Owners { return &Owners{db: db} }

type ownerDoc struct {
	UID int32 `json:"uid"`
}

// Set records uid as the uploader of vpath.
func (o *Owners) Set(vpath string, uid int32) error {
	raw, err := json.MarshalToString(ownerDoc{UID: uid})
	if err != nil {
		return err
	}
	return o.db.set("owner:"+vpath, raw)
}

// Get returns the uploader of vpath, or false if unrecorded.
func (o *Owners) Get(vpath string) (int32, bool) {
	raw, err := o.db.get("owner:" + vpath)
	if err != nil {
		return -1, false
	}
	var doc ownerDoc
	if err := json.UnmarshalFromString(raw, &doc); err != nil {
		return -1, false
	}
	return doc.UID, true
}

// Delete drops the owner record for vpath.
func (o *Owners) Delete(vpath string) error {
	return o.db.delete("owner:" + vpath)
}

// Rename moves the owner record from one path to another.
func (o *Owners) Rename(from, to string) error {
	uid, ok := o.Get(from)
	if !ok {
		return nil
	}
	if err := o.Set(to, uid); err != nil {
		return err
	}
	return o.db.delete("owner:" + from)
}
