package auth

// DefaultExpiresIn exposes defaultExpiresIn to the external auth_test package.
const DefaultExpiresIn = defaultExpiresIn
