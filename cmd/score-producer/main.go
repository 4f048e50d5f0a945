package main

import (
	"encoding/json"
	"flag"
	"fmt"
	"log"
	"math/rand"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/IBM/sarama"
	"github.com/google/uuid"

	"github.com/leaderboard-stats/internal/domain"
)

// generator produces plausible score events for a fixed player and beatmap pool
type generator struct {
	players  int
	beatmaps int
	relax    float64
	nextID   int64
}

func beatmapMD5(idx int) string {
	return fmt.Sprintf("%032x", idx+1)
}

func (g *generator) next() domain.ScoreEvent {
	g.nextID++
	playerID := int64(rand.Intn(g.players) + 1000)

	variant := domain.VariantVanilla
	if rand.Float64() < g.relax {
		variant = domain.VariantRelax
	}
	mode := domain.Modes[rand.Intn(len(domain.Modes))]
	if !variant.Tracks(mode) {
		mode = domain.ModeStandard
	}

	// Better players score higher so first places have a stable shape
	skill := 1 - float64(playerID-1000)/float64(g.players)
	score := int64(200000 + skill*800000*rand.Float64())
	pp := 20 + skill*400*rand.Float64()

	completed := domain.CompletedBest
	switch r := rand.Intn(100); {
	case r < 15:
		completed = domain.CompletedFailed
	case r < 20:
		completed = domain.CompletedQuit
	case r < 55:
		completed = domain.CompletedPassed
	}

	sc := domain.ScoreRecord{
		ID:         g.nextID,
		PlayerID:   playerID,
		BeatmapMD5: beatmapMD5(rand.Intn(g.beatmaps)),
		Mode:       mode,
		Variant:    variant,
		Score:      score,
		Accuracy:   80 + 20*rand.Float64()*skill,
		MaxCombo:   rand.Intn(2000),
		Completed:  completed,
		PlayedAt:   time.Now(),
	}
	if completed.Passed() {
		sc.PP = &pp
	}

	return domain.ScoreEvent{
		EventID:     uuid.NewString(),
		Score:       sc,
		RankedScore: score,
		Timestamp:   time.Now(),
	}
}

func main() {
	brokers := flag.String("brokers", "localhost:9094", "Kafka brokers (comma-separated)")
	topic := flag.String("topic", "score-events", "Kafka topic")
	totalPlayers := flag.Int("players", 1000, "Size of the player pool")
	totalBeatmaps := flag.Int("beatmaps", 200, "Size of the beatmap pool")
	relaxShare := flag.Float64("relax", 0.2, "Share of plays submitted as relax")
	startID := flag.Int64("start-id", 1, "First score id")
	updatesPerSecond := flag.Int("rate", 100, "Events per second")
	duration := flag.Duration("duration", 0, "Duration to run (0 = forever)")
	flag.Parse()

	if *totalPlayers <= 0 || *totalBeatmaps <= 0 || *updatesPerSecond <= 0 {
		log.Fatal("players, beatmaps and rate must be positive")
	}

	brokerList := strings.Split(*brokers, ",")

	fmt.Println("━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━")
	fmt.Println("  Score event producer")
	fmt.Println("━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━")
	fmt.Printf("  Brokers:          %s\n", *brokers)
	fmt.Printf("  Topic:            %s\n", *topic)
	fmt.Printf("  Players:          %d (ids %d-%d)\n", *totalPlayers, 1000, 1000+*totalPlayers-1)
	fmt.Printf("  Beatmaps:         %d\n", *totalBeatmaps)
	fmt.Printf("  Events/sec:       %d\n", *updatesPerSecond)
	fmt.Println("━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━")
	fmt.Println()

	config := sarama.NewConfig()
	config.Producer.RequiredAcks = sarama.WaitForLocal
	config.Producer.Compression = sarama.CompressionSnappy
	config.Producer.Flush.Frequency = 100 * time.Millisecond
	config.Producer.Flush.Messages = 100
	config.Producer.Return.Successes = true
	config.Producer.Return.Errors = true

	producer, err := sarama.NewAsyncProducer(brokerList, config)
	if err != nil {
		log.Fatalf("Failed to create producer: %v", err)
	}

	var successCount, errorCount, sentCount int64
	var wg sync.WaitGroup

	wg.Add(1)
	go func() {
		defer wg.Done()
		for range producer.Successes() {
			atomic.AddInt64(&successCount, 1)
		}
	}()

	wg.Add(1)
	go func() {
		defer wg.Done()
		for err := range producer.Errors() {
			atomic.AddInt64(&errorCount, 1)
			log.Printf("Producer error: %v", err)
		}
	}()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	shutdown := func(reason string) {
		fmt.Printf("\n\n%s, shutting down...\n", reason)
		producer.AsyncClose()
		wg.Wait()
		fmt.Printf("\nCompleted. Sent: %d, Errors: %d\n", atomic.LoadInt64(&successCount), atomic.LoadInt64(&errorCount))
	}

	gen := &generator{players: *totalPlayers, beatmaps: *totalBeatmaps, relax: *relaxShare, nextID: *startID - 1}

	// Events of one player share a partition so they are applied in order
	send := func(event domain.ScoreEvent) {
		data, err := json.Marshal(event)
		if err != nil {
			log.Printf("Failed to marshal event: %v", err)
			return
		}
		producer.Input() <- &sarama.ProducerMessage{
			Topic: *topic,
			Key:   sarama.StringEncoder(strconv.FormatInt(event.Score.PlayerID, 10)),
			Value: sarama.ByteEncoder(data),
		}
		atomic.AddInt64(&sentCount, 1)
	}

	fmt.Println("Press Ctrl+C to stop")
	fmt.Println()

	ticker := time.NewTicker(time.Second / time.Duration(*updatesPerSecond))
	defer ticker.Stop()

	statsTicker := time.NewTicker(5 * time.Second)
	defer statsTicker.Stop()

	var endTime time.Time
	if *duration > 0 {
		endTime = time.Now().Add(*duration)
	}

	for {
		select {
		case <-sigChan:
			shutdown("Interrupted")
			return

		case <-ticker.C:
			if *duration > 0 && time.Now().After(endTime) {
				shutdown("Duration reached")
				return
			}
			send(gen.next())

		case <-statsTicker.C:
			fmt.Printf("[%s] Queued: %d | Sent: %d | Errors: %d\n",
				time.Now().Format("15:04:05"),
				atomic.LoadInt64(&sentCount),
				atomic.LoadInt64(&successCount),
				atomic.LoadInt64(&errorCount),
			)
		}
	}
}
