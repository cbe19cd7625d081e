package xjson

import (
	gjson "github.com/goccy/go-json"
)

// Marshal/Unmarshal wrappers keep a single import site for the JSON codec
// used by snapshots, socket definitions and the event log.

func Marshal(v interface{}) ([]byte, error) {
	return gjson.Marshal(v)
}

func Unmarshal(data []byte, v interface{}) error {
	return gjson.Unmarshal(data, v)
}

// Convert decodes v into out through its JSON form. It accepts live Go
// values and values that already went through a storage round trip.
func Convert(v interface{}, out interface{}) error {
	data, err := gjson.Marshal(v)
	if err != nil {
		return err
	}
	return gjson.Unmarshal(data, out)
}
