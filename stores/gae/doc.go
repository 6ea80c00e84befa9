//go:build !wasm
// +build !wasm

// Package gae provides Google Cloud Datastore stores for authfetch.
//
// Entities are written under an optional namespace so several deployments
// can share one project.
//
// # Entity Kinds
//
//   - Credential: token pairs held by clients, keyed by server URL
//   - RefreshToken: refresh tokens issued by the dev token server, keyed by hash
//
// # Usage
//
//	client, _ := datastore.NewClient(ctx, projectID)
//	creds := gae.NewCredentialStore(client, "authfetch")
//	c := authfetch.New(apiURL, creds, renewer)
package gae
