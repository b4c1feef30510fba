// cartctl is a CLI tool for driving a cartsyncd session by hand.
// Each command performs a single operation, making it composable for scripts.
//
// Commands:
//
//	cartctl new     -server URL
//	cartctl get     -client ID
//	cartctl add     -client ID -product P -variant V [-price X] [-qty N]
//	cartctl update  -client ID -product P -variant V -qty N
//	cartctl remove  -client ID -product P -variant V
//	cartctl clear   -client ID
//	cartctl refresh -client ID
//	cartctl login   -client ID -token T
//	cartctl restore -client ID -token T
//	cartctl logout  -client ID
//	cartctl mutation -client ID -id M
//	cartctl watch   -client ID
//
// Examples:
//
//	export CARTCTL_CLIENT=$(cartctl new -q)
//	cartctl add -product 60 -variant kg -price 2.50 -qty 2
//	cartctl login -token dev-token
package main

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"os/signal"
	"strings"
	"time"

	"cartsync/internal/session"
)

var client = &http.Client{Timeout: 30 * time.Second}

// Global flags (apply to all commands)
var (
	serverURL string
	clientID  string
	quiet     bool
	noColor   bool
	verbose   bool
)

// ANSI color codes
var (
	colorReset  = "\033[0m"
	colorRed    = "\033[31m"
	colorGreen  = "\033[32m"
	colorYellow = "\033[33m"
	colorCyan   = "\033[36m"
	colorGray   = "\033[90m"
	colorBold   = "\033[1m"
)

func init() {
	if os.Getenv("NO_COLOR") != "" {
		disableColors()
	}
}

func disableColors() {
	colorReset, colorRed, colorGreen, colorYellow = "", "", "", ""
	colorCyan, colorGray, colorBold = "", "", ""
}

func main() {
	if len(os.Args) < 2 {
		printUsage()
		os.Exit(1)
	}

	cmd, args := os.Args[1], os.Args[2:]
	switch cmd {
	case "new":
		runNew(args)
	case "get":
		runGet(args)
	case "add":
		runAdd(args)
	case "update":
		runUpdate(args)
	case "remove":
		runRemove(args)
	case "clear":
		runSimple("clear", http.MethodDelete, "/cart", args)
	case "refresh":
		runSimple("refresh", http.MethodPost, "/cart/refresh", args)
	case "login":
		runLogin("login", "/session/login", args)
	case "restore":
		runLogin("restore", "/session/restore", args)
	case "logout":
		runSimple("logout", http.MethodPost, "/session/logout", args)
	case "mutation":
		runMutation(args)
	case "watch":
		runWatch(args)
	case "help", "-h", "--help":
		printUsage()
	default:
		printError("Unknown command: %s", cmd)
		printUsage()
		os.Exit(1)
	}
}

func printUsage() {
	fmt.Fprintf(os.Stderr, `cartctl - cartsync session tool

Usage:
  cartctl <command> [options]

Commands:
  new       Start a guest session and print its client id
  get       Show the cart
  add       Add units of a product variant
  update    Set the quantity of a line (0 removes it)
  remove    Remove a line
  clear     Remove every line
  refresh   Reload the cart from the backend
  login     Log in and merge the guest cart
  restore   Re-authenticate after a restart without merging
  logout    Return to guest mode
  mutation  Show the state of a mutation
  watch     Stream cart changes

The client id is read from -client or CARTCTL_CLIENT.

Examples:
  export CARTCTL_CLIENT=$(cartctl new -q)
  cartctl add -product 60 -variant kg -price 2.50 -qty 2
  cartctl update -product 60 -variant kg -qty 5
  cartctl login -token dev-token

Run 'cartctl <command> -h' for command-specific options.
`)
}

// newFlagSet registers the flags shared by every command.
func newFlagSet(name, usage string) *flag.FlagSet {
	fs := flag.NewFlagSet(name, flag.ExitOnError)
	fs.StringVar(&serverURL, "server", envOrDefault("CARTCTL_SERVER", "http://localhost:8080"), "cartsyncd base URL")
	fs.StringVar(&clientID, "client", os.Getenv("CARTCTL_CLIENT"), "Cart-Client session id")
	fs.BoolVar(&quiet, "q", false, "Quiet mode - only print the essential value")
	fs.BoolVar(&noColor, "no-color", false, "Disable colored output")
	fs.BoolVar(&verbose, "v", false, "Verbose - show full request/response")
	fs.Usage = func() {
		fmt.Fprintf(os.Stderr, "Usage: cartctl %s\n\nOptions:\n", usage)
		fs.PrintDefaults()
	}
	return fs
}

func parse(fs *flag.FlagSet, args []string, needClient bool) {
	fs.Parse(args)
	if noColor {
		disableColors()
	}
	serverURL = strings.TrimRight(serverURL, "/")
	if needClient && clientID == "" {
		printError("-client is required (or set CARTCTL_CLIENT)")
		fs.Usage()
		os.Exit(1)
	}
}

func runNew(args []string) {
	fs := newFlagSet("new", "new [options]")
	parse(fs, args, false)
	clientID = ""

	resp, err := doRequest(http.MethodGet, "/cart", nil)
	if err != nil {
		fatal("Failed to start session: %v", err)
	}
	if quiet {
		fmt.Println(resp.clientID)
		return
	}
	printSuccess("Guest session started")
	fmt.Printf("  Client: %s%s%s\n", colorCyan, resp.clientID, colorReset)
}

func runGet(args []string) {
	fs := newFlagSet("get", "get -client ID [options]")
	parse(fs, args, true)

	resp, err := doRequest(http.MethodGet, "/cart", nil)
	if err != nil {
		fatal("Failed to get cart: %v", err)
	}
	printCartSummary(resp.body)
}

func runAdd(args []string) {
	fs := newFlagSet("add", "add -client ID -product P -variant V [options]")
	var productID, variantID, unit, name, price string
	var quantity int
	fs.StringVar(&productID, "product", "", "Product ID (required)")
	fs.StringVar(&variantID, "variant", "", "Variant ID")
	fs.StringVar(&unit, "unit", "", "Unit of measure, identifies the variant when -variant is empty")
	fs.StringVar(&name, "name", "", "Display name")
	fs.StringVar(&price, "price", "0", "Unit price")
	fs.IntVar(&quantity, "qty", 1, "Quantity")
	parse(fs, args, true)

	if productID == "" || (variantID == "" && unit == "") {
		fs.Usage()
		os.Exit(1)
	}

	body := map[string]any{
		"productId": productID,
		"variant": map[string]any{
			"id":    variantID,
			"unit":  unit,
			"name":  name,
			"price": json.Number(price),
		},
		"quantity": quantity,
	}
	resp, err := doRequest(http.MethodPost, "/cart/items", body)
	if err != nil {
		fatal("Failed to add item: %v", err)
	}
	printMutationResult(resp)
}

func runUpdate(args []string) {
	fs := newFlagSet("update", "update -client ID -product P -variant V -qty N [options]")
	var productID, variantID string
	quantity := -1
	fs.StringVar(&productID, "product", "", "Product ID (required)")
	fs.StringVar(&variantID, "variant", "", "Variant ID (required)")
	fs.IntVar(&quantity, "qty", -1, "New quantity (required, 0 removes the line)")
	parse(fs, args, true)

	if productID == "" || variantID == "" || quantity < 0 {
		fs.Usage()
		os.Exit(1)
	}

	resp, err := doRequest(http.MethodPatch, itemPath(productID, variantID), map[string]any{"quantity": quantity})
	if err != nil {
		fatal("Failed to update item: %v", err)
	}
	printMutationResult(resp)
}

func runRemove(args []string) {
	fs := newFlagSet("remove", "remove -client ID -product P -variant V [options]")
	var productID, variantID string
	fs.StringVar(&productID, "product", "", "Product ID (required)")
	fs.StringVar(&variantID, "variant", "", "Variant ID (required)")
	parse(fs, args, true)

	if productID == "" || variantID == "" {
		fs.Usage()
		os.Exit(1)
	}

	resp, err := doRequest(http.MethodDelete, itemPath(productID, variantID), nil)
	if err != nil {
		fatal("Failed to remove item: %v", err)
	}
	printMutationResult(resp)
}

// runSimple handles the commands that take no arguments beyond the session.
func runSimple(name, method, path string, args []string) {
	fs := newFlagSet(name, name+" -client ID [options]")
	parse(fs, args, true)

	resp, err := doRequest(method, path, nil)
	if err != nil {
		fatal("%s failed: %v", name, err)
	}
	if _, ok := resp.body["mutation"]; ok {
		printMutationResult(resp)
		return
	}
	printCartSummary(resp.body)
}

func runLogin(name, path string, args []string) {
	fs := newFlagSet(name, name+" -client ID -token T [options]")
	var token string
	fs.StringVar(&token, "token", os.Getenv("CARTCTL_TOKEN"), "Backend access token (required)")
	parse(fs, args, true)

	if token == "" {
		fs.Usage()
		os.Exit(1)
	}

	resp, err := doRequest(http.MethodPost, path, map[string]string{"token": token})
	if err != nil {
		fatal("%s failed: %v", name, err)
	}

	cart, ok := resp.body["cart"].(map[string]any)
	if !ok {
		printCartSummary(resp.body)
		return
	}
	printErrorBody(resp.body)
	if merge, ok := resp.body["merge"].(map[string]any); ok && !quiet {
		for _, field := range []string{"added", "updated", "skipped", "failed"} {
			if n := lenOf(merge[field]); n > 0 {
				printInfo("%s: %d", field, n)
			}
		}
	}
	printCartSummary(cart)
}

func runMutation(args []string) {
	fs := newFlagSet("mutation", "mutation -client ID -id M [options]")
	var id string
	fs.StringVar(&id, "id", "", "Mutation ID (required)")
	parse(fs, args, true)

	if id == "" {
		fs.Usage()
		os.Exit(1)
	}

	resp, err := doRequest(http.MethodGet, "/cart/mutations/"+url.PathEscape(id), nil)
	if err != nil {
		fatal("Failed to get mutation: %v", err)
	}
	state, _ := resp.body["state"].(string)
	if quiet {
		fmt.Println(state)
		return
	}
	printMutationState(resp.body)
}

func runWatch(args []string) {
	fs := newFlagSet("watch", "watch -client ID [options]")
	parse(fs, args, true)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	defer stop()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, serverURL+"/cart/events", nil)
	if err != nil {
		fatal("creating request: %v", err)
	}
	req.Header.Set("Accept", "text/event-stream")
	req.Header.Set(session.ClientHeader, session.FormatClientHeader(clientID))

	// The stream outlives the default client timeout.
	resp, err := (&http.Client{}).Do(req)
	if err != nil {
		fatal("request failed: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(resp.Body)
		fatal("HTTP %d: %s", resp.StatusCode, string(body))
	}

	printInfo("Watching cart %s (Ctrl-C to stop)", clientID)
	scanner := bufio.NewScanner(resp.Body)
	scanner.Buffer(make([]byte, 64*1024), 1<<20)
	for scanner.Scan() {
		data, ok := strings.CutPrefix(scanner.Text(), "data: ")
		if !ok {
			continue
		}
		var event struct {
			Version uint64         `json:"version"`
			Cart    map[string]any `json:"cart"`
		}
		if err := json.Unmarshal([]byte(data), &event); err != nil {
			printWarning("undecodable event: %v", err)
			continue
		}
		if quiet {
			fmt.Println(data)
			continue
		}
		fmt.Printf("\n%s● version %d%s %s\n", colorCyan, event.Version, colorReset, time.Now().Format(time.TimeOnly))
		printCartSummary(event.Cart)
	}
	if err := scanner.Err(); err != nil && ctx.Err() == nil {
		fatal("stream failed: %v", err)
	}
}

type response struct {
	status   int
	clientID string
	body     map[string]any
}

func doRequest(method, path string, body any) (*response, error) {
	var reqBody io.Reader
	var reqJSON []byte

	if body != nil {
		var err error
		reqJSON, err = json.MarshalIndent(body, "", "  ")
		if err != nil {
			return nil, fmt.Errorf("marshaling request: %w", err)
		}
		reqBody = bytes.NewReader(reqJSON)
	}

	req, err := http.NewRequest(method, serverURL+path, reqBody)
	if err != nil {
		return nil, fmt.Errorf("creating request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if clientID != "" {
		req.Header.Set(session.ClientHeader, session.FormatClientHeader(clientID))
	}

	if verbose {
		printRequest(method, path, reqJSON)
	}

	start := time.Now()
	resp, err := client.Do(req)
	duration := time.Since(start)
	if err != nil {
		return nil, fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("reading response: %w", err)
	}

	if verbose {
		printResponse(resp.StatusCode, respBody, duration)
	}

	out := &response{status: resp.StatusCode}
	if header := resp.Header.Get(session.ClientHeader); header != "" {
		if id, err := session.ParseClientHeader(header); err == nil {
			out.clientID = id
		}
	}

	if resp.StatusCode >= 400 && resp.StatusCode != http.StatusBadGateway {
		return nil, fmt.Errorf("HTTP %d: %s", resp.StatusCode, errorMessage(respBody))
	}

	if err := json.Unmarshal(respBody, &out.body); err != nil {
		return nil, fmt.Errorf("parsing response: %w", err)
	}
	return out, nil
}

func itemPath(productID, variantID string) string {
	return "/cart/items/" + url.PathEscape(productID) + "/" + url.PathEscape(variantID)
}

// errorMessage extracts "CODE: message" from an error body.
func errorMessage(body []byte) string {
	var resp struct {
		Error struct {
			Code    string `json:"code"`
			Message string `json:"message"`
		} `json:"error"`
	}
	if err := json.Unmarshal(body, &resp); err != nil || resp.Error.Code == "" {
		return strings.TrimSpace(string(body))
	}
	return resp.Error.Code + ": " + resp.Error.Message
}

func printMutationResult(resp *response) {
	mutation, _ := resp.body["mutation"].(map[string]any)
	if quiet {
		id, _ := mutation["id"].(string)
		fmt.Println(id)
		return
	}

	switch {
	case resp.status == http.StatusAccepted:
		printWarning("Applied locally, confirmation pending")
	case resp.body["confirmed"] == true:
		printSuccess("Confirmed")
	default:
		printError("Not confirmed by the backend")
	}
	printErrorBody(resp.body)
	printMutationState(mutation)
	if cart, ok := resp.body["cart"].(map[string]any); ok {
		printCartSummary(cart)
	}
}

func printMutationState(m map[string]any) {
	if m == nil {
		return
	}
	id, _ := m["id"].(string)
	op, _ := m["op"].(string)
	state, _ := m["state"].(string)
	stateColor := colorYellow
	switch state {
	case "confirmed":
		stateColor = colorGreen
	case "failed":
		stateColor = colorRed
	}
	fmt.Printf("  Mutation: %s%s%s %s %s%s%s\n", colorCyan, id, colorReset, op, stateColor, state, colorReset)
	if errText, _ := m["error"].(string); errText != "" {
		fmt.Printf("  %s%s%s\n", colorGray, errText, colorReset)
	}
}

func printErrorBody(body map[string]any) {
	e, ok := body["error"].(map[string]any)
	if !ok {
		return
	}
	code, _ := e["code"].(string)
	message, _ := e["message"].(string)
	printWarning("%s: %s", code, message)
}

func printCartSummary(cart map[string]any) {
	if quiet {
		data, _ := json.Marshal(cart)
		fmt.Println(string(data))
		return
	}

	status, _ := cart["status"].(string)
	fmt.Printf("  %sCart%s %v (%s, version %v)\n", colorBold, colorReset, cart["clientId"], status, cart["version"])
	items, _ := cart["items"].([]any)
	if len(items) == 0 {
		fmt.Printf("  %s(empty)%s\n", colorGray, colorReset)
	}
	for _, raw := range items {
		item, ok := raw.(map[string]any)
		if !ok {
			continue
		}
		variant, _ := item["variant"].(map[string]any)
		label := fmt.Sprintf("%v/%v", item["productId"], item["variantId"])
		if name, _ := variant["name"].(string); name != "" {
			label += " " + name
		}
		fmt.Printf("    %-32s x%v  @ %v\n", label, item["quantity"], variant["price"])
	}
	fmt.Printf("  Total: %s%v%s (%v units)\n", colorGreen, cart["total"], colorReset, cart["totalQuantity"])
}

func printRequest(method, path string, body []byte) {
	fmt.Printf("\n%s▶ REQUEST%s %s%s %s%s\n", colorYellow, colorReset, colorBold, method, path, colorReset)
	if clientID != "" {
		fmt.Printf("  %s%s: %s%s\n", colorGray, session.ClientHeader, session.FormatClientHeader(clientID), colorReset)
	}
	if body != nil {
		printJSON(body, "  ")
	}
}

func printResponse(status int, body []byte, duration time.Duration) {
	statusColor := colorGreen
	if status >= 400 {
		statusColor = colorRed
	}
	fmt.Printf("\n%s◀ RESPONSE%s %s%d%s (%v)\n", colorCyan, colorReset, statusColor, status, colorReset, duration)
	printJSON(body, "  ")
}

func printJSON(data []byte, prefix string) {
	var pretty bytes.Buffer
	if err := json.Indent(&pretty, data, prefix, "  "); err != nil {
		fmt.Printf("%s%s\n", prefix, string(data))
		return
	}
	fmt.Println(prefix + pretty.String())
}

func lenOf(v any) int {
	list, _ := v.([]any)
	return len(list)
}

func printSuccess(format string, args ...any) {
	if !quiet {
		fmt.Printf("%s✓ %s%s\n", colorGreen, fmt.Sprintf(format, args...), colorReset)
	}
}

func printError(format string, args ...any) {
	fmt.Printf("%s✗ %s%s\n", colorRed, fmt.Sprintf(format, args...), colorReset)
}

func printWarning(format string, args ...any) {
	if !quiet {
		fmt.Printf("%s⚠ %s%s\n", colorYellow, fmt.Sprintf(format, args...), colorReset)
	}
}

func printInfo(format string, args ...any) {
	if !quiet {
		fmt.Printf("%s→ %s%s\n", colorGray, fmt.Sprintf(format, args...), colorReset)
	}
}

func envOrDefault(key, defaultVal string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return defaultVal
}

func fatal(format string, args ...any) {
	fmt.Fprintf(os.Stderr, "%s✗ %s%s\n", colorRed, fmt.Sprintf(format, args...), colorReset)
	os.Exit(1)
}
