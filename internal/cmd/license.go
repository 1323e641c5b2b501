package cmd

import "fmt"

const licenseText = `usbipd - a USB/IP host-side server

Copyright (c) the usbipd-go contributors.

Permission is hereby granted, free of charge, to any person obtaining a
copy of this software and associated documentation files, to deal in the
software without restriction, including without limitation the rights to
use, copy, modify, merge, publish, distribute, sublicense, and/or sell
copies of the software.

THE SOFTWARE IS PROVIDED "AS IS", WITHOUT WARRANTY OF ANY KIND, EXPRESS OR
IMPLIED.
`

// License prints the module's license banner (§6 "license").
type License struct{}

func (l *License) Run() error {
	fmt.Print(licenseText)
	return nil
}
