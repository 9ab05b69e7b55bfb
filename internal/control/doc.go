// Package control implements the line-based control protocol: OPEN, CLOSE,
// STATUS, DETAIL, HELP, and EXIT verbs translated into tunnel manager
// operations, with OK/ERROR replies.
package control
