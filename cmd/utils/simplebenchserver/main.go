// Command simplebenchserver is a minimal HTTP target for trying plethora
// out locally.
package main

import (
	"log"
	"strings"

	"github.com/alecthomas/kingpin"
	"github.com/valyala/fasthttp"
)

var serverAddr = kingpin.Flag("addr", "address to listen on").
	Default("127.0.0.1:8080").
	Short('a').
	String()
var responseSize = kingpin.Flag("size", "size of response in bytes").
	Default("1024").
	Short('s').
	Uint()
var responseStatus = kingpin.Flag("status", "status code to respond with").
	Default("200").
	Int()

func main() {
	kingpin.Parse()
	body := strings.Repeat("a", int(*responseSize))
	log.Println("Starting HTTP server on:", *serverAddr)
	err := fasthttp.ListenAndServe(*serverAddr, func(c *fasthttp.RequestCtx) {
		c.SetStatusCode(*responseStatus)
		if _, werr := c.WriteString(body); werr != nil {
			log.Println(werr)
		}
	})
	if err != nil {
		log.Fatal(err)
	}
}
