package serializer

// StdoutURI is the special output path meaning standard output.
const StdoutURI = "-"
