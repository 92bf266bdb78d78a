// Package mysql opens the shared MySQL connection pool and applies the
// embedded schema migrations that the transaction, wallet, policy and kill
// switch stores depend on.
package mysql
