// Package program models the program being compiled: methods with call
// graphs and type initializers, and stand-in translator, optimizer and code
// generator implementations for the pipeline.
package program
