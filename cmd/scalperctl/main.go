package main

import (
	"bytes"
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"log"
	"net/http"
	"os"
	"strings"
	"time"
)

const usage = `用法: scalperctl [-addr URL] <命令> [参数]

命令:
  status               查看引擎状态
  kill [原因]          激活熔断
  release <令牌>       解除熔断（令牌可用 SCALPER_KILL_TOKEN）
  emergency [原因]     紧急停机：熔断 + 撤单 + 标记平仓
  audit [条数]         最近的审计记录
`

func main() {
	addr := flag.String("addr", "http://127.0.0.1:8088", "运维接口地址")
	timeout := flag.Duration("timeout", 10*time.Second, "请求超时")
	flag.Usage = func() { fmt.Fprint(os.Stderr, usage) }
	flag.Parse()

	args := flag.Args()
	if len(args) == 0 {
		flag.Usage()
		os.Exit(2)
	}
	client := &http.Client{Timeout: *timeout}
	base := strings.TrimRight(*addr, "/")
	rest := strings.Join(args[1:], " ")

	var err error
	switch args[0] {
	case "status":
		err = call(client, http.MethodGet, base+"/status", nil)
	case "kill":
		err = call(client, http.MethodPost, base+"/kill", map[string]string{"reason": rest})
	case "release":
		token := rest
		if token == "" {
			token = os.Getenv("SCALPER_KILL_TOKEN")
		}
		if token == "" {
			log.Fatal("需要确认令牌")
		}
		err = call(client, http.MethodPost, base+"/kill/release", map[string]string{"token": token})
	case "emergency":
		fmt.Println("🔸 紧急停机...")
		err = call(client, http.MethodPost, base+"/emergency", map[string]string{"reason": rest})
	case "audit":
		n := "20"
		if rest != "" {
			n = rest
		}
		err = call(client, http.MethodGet, base+"/audit/recent?n="+n, nil)
	default:
		flag.Usage()
		os.Exit(2)
	}
	if err != nil {
		log.Fatalf("❌ %v", err)
	}
}

func call(client *http.Client, method, endpoint string, body interface{}) error {
	var rd io.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		if err != nil {
			return err
		}
		rd = bytes.NewReader(raw)
	}
	req, err := http.NewRequest(method, endpoint, rd)
	if err != nil {
		return err
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	resp, err := client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return err
	}
	var pretty bytes.Buffer
	if json.Indent(&pretty, raw, "", "  ") == nil {
		raw = pretty.Bytes()
	}
	fmt.Println(string(raw))
	if resp.StatusCode >= 300 {
		return fmt.Errorf("HTTP %d", resp.StatusCode)
	}
	return nil
}
