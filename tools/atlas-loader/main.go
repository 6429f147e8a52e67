// atlas-loader 將 gorm models 轉成 DDL，提供給 atlas 產生版本化的 migration
//
//	atlas migrate diff --env gorm
package main

import (
	"fmt"
	"io"
	"os"

	"ariga.io/atlas-provider-gorm/gormschema"

	"bidmart/models"
)

func main() {
	stmts, err := loadSchema()
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to load gorm schema: %v\n", err)
		os.Exit(1)
	}
	if _, err := io.WriteString(os.Stdout, stmts); err != nil {
		fmt.Fprintf(os.Stderr, "failed to write schema: %v\n", err)
		os.Exit(1)
	}
}

func loadSchema() (string, error) {
	return gormschema.New("postgres").Load(models.All()...)
}
