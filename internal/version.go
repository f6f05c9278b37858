package internal

// Version is stamped into logs and printed by `roomrelay version`.
const Version = "0.3.0"
