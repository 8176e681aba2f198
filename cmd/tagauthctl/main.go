// Tagauthctl -- CLI client for the tagauthd daemon.
package main

import "github.com/tagauth/tagauthd/cmd/tagauthctl/commands"

func main() {
	commands.Execute()
}
