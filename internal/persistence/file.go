// Package persistence writes ndt7 reports to disk.
package persistence

import (
	"encoding/json"
	"os"
	"path"
	"time"
)

// DataFile describes a file where a report has been saved.
type DataFile struct {
	// Prefix is the data directory.
	Prefix string
	// Datatype is the kind of data, e.g. "ndt7".
	Datatype string
	// Subtest is the subtest(s) the data refers to.
	Subtest string
	// UUID identifies the measurement.
	UUID string
	// Path is the full path of the file.
	Path string
	// Size is the number of bytes written.
	Size int
}

// WriteDataFile writes the JSON representation of v to a new file under
// <datadir>/<datatype>/<yyyy>/<mm>/<dd>/ and returns its description.
func WriteDataFile(datadir, datatype, subtest, uuid string, v interface{}) (*DataFile, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	timestamp := time.Now().UTC()
	dir := path.Join(datadir, datatype, timestamp.Format("2006/01/02"))
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, err
	}
	filepath := path.Join(dir, datatype+"-"+subtest+"-"+
		timestamp.Format("20060102T150405.000000000Z")+"."+uuid+".json")
	fp, err := os.OpenFile(filepath, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0644)
	if err != nil {
		return nil, err
	}
	n, err := fp.Write(data)
	if err != nil {
		fp.Close()
		return nil, err
	}
	if err := fp.Close(); err != nil {
		return nil, err
	}
	return &DataFile{
		Prefix:   datadir,
		Datatype: datatype,
		Subtest:  subtest,
		UUID:     uuid,
		Path:     filepath,
		Size:     n,
	}, nil
}
