package acl

import jsoniter "github.com/json-iterator/go"

var json = jsoniter.ConfigCompatibleWithStandardLibrary

func unmarshalProfile(raw []byte, u *UserProfile) error {
	return json.Unmarshal(raw, u)
}

func unmarshalGroup(raw []byte, g *GroupProfile) error {
	return json.Unmarshal(raw, g)
}
