// Command spiderwho harvests WHOIS records through SOCKS proxies.
package main

import (
	"os"

	"github.com/JakeFAU/spiderwho/cmd"
)

func main() {
	os.Exit(cmd.Execute())
}
