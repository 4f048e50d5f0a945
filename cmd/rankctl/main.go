package main

import "github.com/leaderboard-stats/internal/cli"

func main() {
	cli.Execute()
}
