//go:build !wasm
// +build !wasm

// Package gorm provides GORM-based stores for authfetch. It supports any
// database that GORM supports (PostgreSQL, MySQL, SQLite, etc.).
//
// # Database Schema
//
// The package auto-migrates the following tables:
//   - credentials: token pairs held by clients, keyed by server URL
//   - refresh_tokens: refresh tokens issued by the dev token server
//
// # Usage
//
//	db, _ := gorm.Open(postgres.Open(dsn), &gorm.Config{})
//	gormstore.AutoMigrate(db)
//	client := authfetch.New(apiURL, gormstore.NewCredentialStore(db), renewer)
package gorm
