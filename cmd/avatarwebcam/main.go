package main

import (
	"github.com/tatsu020/AvatarWebcam/cmd/avatarwebcam/commands"
)

func main() {
	commands.Execute()
}
