// Package db embeds the SQL schema migrations.
package db

import "embed"

// Migrations holds NNNN_name.up.sql / NNNN_name.down.sql pairs under migrations/.
//
//go:embed migrations/*.sql
var Migrations embed.FS
