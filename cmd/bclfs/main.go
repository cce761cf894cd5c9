package main

import "blobcache.io/bclfs/src/bclfscmd"

func main() {
	bclfscmd.Main()
}
