// Package tokenstore provides persistent storage for the session refresh token.
//
// The refresh token is the only credential that survives a process restart. Every backend
// holds exactly one value under the logical key "refreshToken":
//   - File: Local filesystem storage with atomic writes and secure permissions
//   - Keyring: OS-native credential storage (macOS Keychain, Windows Credential Manager, etc.)
//   - Redis: Shared storage for headless deployments running on several hosts
//   - Env: Read-only environment variable access (requires external secret management)
//
// Login and refresh-token rotation require writable storage (file, keyring or redis).
package tokenstore
