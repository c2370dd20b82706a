// Package identity verifies the bearer tokens issued by the marketplace account
// service and resolves user display names.
//
// It never creates or mutates users: registration, login and credential storage
// belong to the account service. Chat only needs "who is calling" (Principal)
// and "what is this user called" (Directory).
package identity
