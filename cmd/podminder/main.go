package main

import (
	"k8s.io/klog/v2"

	"github.com/cloudnap/pod-minder/pkg/podminder/commands"
)

func main() {
	klog.InitFlags(nil)
	defer klog.Flush()

	commands.Execute()
}
