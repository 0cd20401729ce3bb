package core

import (
	"shardgo/schema"
)

var Schema *schema.File

// LoadSchema reads the class descriptors named by the config. Roles
// resolve classes through core.Schema afterwards.
func LoadSchema() error {
	file, err := schema.LoadFiles(Config.General.Schema_Files)
	if err != nil {
		return err
	}
	Schema = file
	return nil
}
