// Command webproxy runs the forward proxy: it reads a KEY=VALUE config file,
// listens for client connections, and serves CONNECT tunnels and cached HTTP
// fetches until it receives SIGINT or SIGTERM.
package main

func main() {
	Execute()
}
