// Package source implements domain.PolicySource adapters.
//
// HTTPSource talks to the remote policy document store and is responsible for
// classifying every failure with a domain.ErrorKind before it reaches the
// retry and breaker layers. MemorySource serves fixture data from memory or a
// YAML file.
package source
