package main

import (
	"flag"
	"os"

	"github.com/m-lab/go/cloud/bqx"
	"github.com/m-lab/go/rtx"
	"github.com/m-lab/ndt7-client/pkg/ndt7/model"

	"cloud.google.com/go/bigquery"
)

var measurementSchema string

func init() {
	flag.StringVar(&measurementSchema, "ndt7", "/var/spool/datatypes/ndt7.json", "filename to write the ndt7 measurement schema")
}

func main() {
	flag.Parse()
	// Generate and save the schema for autoloading.
	sch, err := bigquery.InferSchema(model.Measurement{})
	rtx.Must(err, "failed to generate ndt7 schema")
	sch = bqx.RemoveRequired(sch)
	b, err := sch.ToJSONFields()
	rtx.Must(err, "failed to marshal ndt7 schema")
	err = os.WriteFile(measurementSchema, b, 0o644)
	rtx.Must(err, "failed to write ndt7 schema")
}
