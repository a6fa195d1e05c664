// Package engine starts and tears down execution contexts ("engines") and
// provides the framed method channel used to talk to them. Engines run either
// as child processes (ProcessLauncher) or as goroutines inside the host
// (FuncLauncher).
package engine
