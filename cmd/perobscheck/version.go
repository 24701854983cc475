package main

var (
	release = "0.0.0"
	commit  = "none"
)
