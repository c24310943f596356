// Package config loads resource declarations and CLI settings.
//
// Declarations are written in CUE or HCL and decode into the same
// format-agnostic Document. A Loader walks files and directories, parses
// each file with the parser for its extension, and validates the result:
// struct-level checks through go-playground/validator, duplicate identities
// across files, and per-type property schemas held as closed CUE
// definitions in a SchemaRegistry. Problems are collected as
// ValidationErrors carrying file and line so that every error in a set of
// declarations is reported at once.
//
// Document.Build turns a valid document into an engine.ResourceCollection.
// All resources are inserted before ordering and notification edges are
// wired, so a declaration may reference resources that appear later.
//
// Both formats see node attributes: CUE files that declare a top-level
// "node" field have it filled in, and HCL expressions read the "node"
// variable.
//
// # Usage
//
//	loader := config.NewLoader(config.WithNodeAttributes(node.Attributes()))
//	doc, err := loader.Load(ctx, "site/")
//	if err != nil {
//		return err
//	}
//	coll, err := doc.Build()
//	if err != nil {
//		return err
//	}
//
// Settings come from converge.yaml, a .env file next to it, and CONVERGE_*
// environment variables, in increasing precedence. Command-line flags are
// applied on top by the CLI.
package config
